package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Session: SessionConfig{
			Name:                "sistema_chamados",
			URL:                 "https://web.whatsapp.com",
			ProfileDir:          "~/.ticketbridge/profiles/sistema_chamados",
			Headless:            false,
			LoginTimeoutSeconds: 300,
			ContactSuffix:       "@c.us",
			ReadyIntervalMillis: 1000,
			ReadyTimeoutSeconds: 15,
		},
		Delivery: DeliveryConfig{
			MaxAttempts:     3,
			BaseDelayMillis: 1000,
			Serialize:       true,
		},
		Relay: RelayConfig{
			Workers:   2,
			QueueSize: 256,
		},
		Gateway: GatewayConfig{
			Host:   "127.0.0.1",
			Port:   3333,
			Events: true,
		},
		Backend: BackendConfig{
			IngestURL:      "http://127.0.0.1:8000/api/chat/whatsapp/",
			TimeoutSeconds: 10,
		},
		Store: StoreConfig{
			Enabled: true,
			DBPath:  "~/.ticketbridge/deliveries.db",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
