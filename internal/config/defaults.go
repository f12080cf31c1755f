package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		Graph: Graph{
			BaseURL:    "https://graph.microsoft.com",
			APIVersion: "v1.0",
			Timeout:    30 * time.Second,
		},
		Webhook: Webhook{
			ListenAddr:   ":8080",
			MaxBodyBytes: 1 << 20,
		},
		Subscription: Subscription{
			Push:          true,
			Lifetime:      55 * time.Minute,
			RenewBefore:   10 * time.Minute,
			CheckInterval: time.Minute,
			KeyBits:       2048,
			KeyGrace:      10 * time.Minute,
			ChangeType:    "created",
		},
		Poll: Poll{
			Interval: 5 * time.Minute,
			PageSize: 50,
		},
		Sink: Sink{
			Kind:     SinkLog,
			Encoding: "json",
		},
		Log: Log{
			Level:  "info",
			Format: "json",
		},
		RateLimits: Limits{
			RequestsPerSecond: 10,
			MaxConcurrent:     4,
		},
	}
}
