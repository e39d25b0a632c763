package adaptive

import "time"

type FlowControl string

const (
	FlowControlNone          FlowControl = "none"
	FlowControlStopAndWait   FlowControl = "stop_and_wait"
	FlowControlSlidingWindow FlowControl = "sliding_window"
	FlowControlTokenBucket   FlowControl = "token_bucket"
	FlowControlAdaptiveRate  FlowControl = "adaptive_rate"
)

type Config struct {
	InitialSizeBytes int
	MinSizeBytes     int
	MaxSizeBytes     int
	TargetLatency    time.Duration
	MaxLatency       time.Duration

	GrowthFactor       float64
	ShrinkFactor       float64
	AdaptationInterval time.Duration
	StabilityThreshold time.Duration

	MaxPacketLossRate float64
	MaxJitter         time.Duration
	UnderrunThreshold int
	OverrunThreshold  int

	FlowControl         FlowControl
	WindowSize          int
	TokenBucketRate     float64 // tokens per second, one token per KB
	TokenBucketCapacity int
}

// Profiles carried over from the deployment presets; treat the constants as
// defaults to validate rather than fixed requirements.

func LowLatency() Config {
	return Config{
		InitialSizeBytes:    8192,
		MinSizeBytes:        4096,
		MaxSizeBytes:        32768,
		TargetLatency:       50 * time.Millisecond,
		MaxLatency:          100 * time.Millisecond,
		GrowthFactor:        1.2,
		ShrinkFactor:        0.9,
		AdaptationInterval:  100 * time.Millisecond,
		StabilityThreshold:  time.Second,
		MaxPacketLossRate:   0.02,
		MaxJitter:           20 * time.Millisecond,
		UnderrunThreshold:   3,
		OverrunThreshold:    5,
		FlowControl:         FlowControlTokenBucket,
		WindowSize:          10,
		TokenBucketRate:     1000,
		TokenBucketCapacity: 100,
	}
}

func HighQuality() Config {
	return Config{
		InitialSizeBytes:    65536,
		MinSizeBytes:        32768,
		MaxSizeBytes:        262144,
		TargetLatency:       200 * time.Millisecond,
		MaxLatency:          500 * time.Millisecond,
		GrowthFactor:        1.5,
		ShrinkFactor:        0.8,
		AdaptationInterval:  500 * time.Millisecond,
		StabilityThreshold:  3 * time.Second,
		MaxPacketLossRate:   0.001,
		MaxJitter:           50 * time.Millisecond,
		UnderrunThreshold:   2,
		OverrunThreshold:    3,
		FlowControl:         FlowControlSlidingWindow,
		WindowSize:          20,
		TokenBucketRate:     2000,
		TokenBucketCapacity: 200,
	}
}

func Balanced() Config {
	return Config{
		InitialSizeBytes:    32768,
		MinSizeBytes:        16384,
		MaxSizeBytes:        131072,
		TargetLatency:       120 * time.Millisecond,
		MaxLatency:          300 * time.Millisecond,
		GrowthFactor:        1.3,
		ShrinkFactor:        0.85,
		AdaptationInterval:  250 * time.Millisecond,
		StabilityThreshold:  2 * time.Second,
		MaxPacketLossRate:   0.01,
		MaxJitter:           30 * time.Millisecond,
		UnderrunThreshold:   3,
		OverrunThreshold:    4,
		FlowControl:         FlowControlAdaptiveRate,
		WindowSize:          15,
		TokenBucketRate:     1500,
		TokenBucketCapacity: 150,
	}
}

func ProfileByName(name string) Config {
	switch name {
	case "low_latency":
		return LowLatency()
	case "high_quality":
		return HighQuality()
	default:
		return Balanced()
	}
}

// NetworkCondition is the measured state feeding size adaptation.
type NetworkCondition struct {
	BandwidthKbps   float64
	Latency         time.Duration
	Jitter          time.Duration
	PacketLossRate  float64
	CongestionLevel float64
	Stable          bool
	MeasuredAt      time.Time
}
