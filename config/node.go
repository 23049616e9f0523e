package config

// NodeConfig configures a single user node process: its Lightning
// runtime connection, its on-disk sealed-storage root, its
// channel-monitor store credentials, and its tunnel gateway settings.
type NodeConfig struct {
	Lightning struct {
		GRPCHost              string `toml:"grpc_host" env:"MEGANODE_LIGHTNING_GRPC_HOST"`
		GRPCPort              string `toml:"grpc_port" env:"MEGANODE_LIGHTNING_GRPC_PORT" env-default:"10009"`
		TLSCertPath           string `toml:"tls_cert_path" env:"MEGANODE_LIGHTNING_TLS_CERT_PATH"`
		MacaroonPath          string `toml:"macaroon_path" env:"MEGANODE_LIGHTNING_MACAROON_PATH"`
		Network               string `toml:"network" env:"MEGANODE_LIGHTNING_NETWORK" env-default:"regtest"`
		PaymentTimeoutSeconds int    `toml:"payment_timeout_seconds" env:"MEGANODE_LIGHTNING_PAYMENT_TIMEOUT_SECONDS" env-default:"30"`
	} `toml:"lightning"`

	Storage struct {
		SingletonDirectory string `toml:"singleton_directory" env:"MEGANODE_STORAGE_SINGLETON_DIRECTORY" env-default:"/data/meganode"`
		DevSealing         bool   `toml:"dev_sealing" env:"MEGANODE_STORAGE_DEV_SEALING" env-default:"false"`
	} `toml:"storage"`

	// Database and Redis are this node's own credentials against the
	// operator's shared remote store and the end user's cloud store —
	// every node dials both independently, scoped to its own user_pk,
	// matching spec §4.5's dual-write-per-user backend model.
	Database struct {
		Host            string `toml:"host" env:"MEGANODE_DB_HOST"`
		Port            string `toml:"port" env:"MEGANODE_DB_PORT" env-default:"5432"`
		User            string `toml:"user" env:"MEGANODE_DB_USER"`
		Password        string `toml:"password" env:"MEGANODE_DB_PASSWORD"`
		DB              string `toml:"db" env:"MEGANODE_DB_NAME"`
		SslMode         string `toml:"ssl_mode" env:"MEGANODE_DB_SSL_MODE" env-default:"disable"`
		MaxConns        int    `toml:"max_conns" env:"MEGANODE_DB_MAX_CONNS" env-default:"4"`
		MinConns        int    `toml:"min_conns" env:"MEGANODE_DB_MIN_CONNS" env-default:"1"`
		MaxConnLifetime int    `toml:"max_conn_lifetime" env:"MEGANODE_DB_MAX_CONN_LIFETIME" env-default:"5"`
		MaxConnIdleTime int    `toml:"max_conn_idle_time" env:"MEGANODE_DB_MAX_CONN_IDLE_TIME" env-default:"1"`
		MigrationPath   string `toml:"migration_path" env:"MEGANODE_DB_MIGRATION_PATH" env-default:"file://migrations/store"`
	} `toml:"database"`

	Redis struct {
		Host     string `toml:"host" env:"MEGANODE_REDIS_HOST"`
		Port     string `toml:"port" env:"MEGANODE_REDIS_PORT" env-default:"6379"`
		Password string `toml:"password" env:"MEGANODE_REDIS_PASSWORD"`
		DB       int    `toml:"db" env:"MEGANODE_REDIS_DB" env-default:"0"`
	} `toml:"redis"`

	Tunnel struct {
		GatewayAddr string `toml:"gateway_addr" env:"MEGANODE_TUNNEL_GATEWAY_ADDR"`
		TokenSecret string `toml:"token_secret" env:"MEGANODE_TUNNEL_TOKEN_SECRET"`
	} `toml:"tunnel"`

	HandlerTimeoutSeconds int    `toml:"handler_timeout_seconds" env:"MEGANODE_HANDLER_TIMEOUT_SECONDS" env-default:"25"`
	ListenAddr            string `toml:"listen_addr" env:"MEGANODE_NODE_LISTEN_ADDR" env-default:":8090"`

	// PaymentExpiryCheckIntervalSeconds is how often the manager scans
	// its pending set for expired outbound payments (spec §4.4's
	// check_payment_expiries tick).
	PaymentExpiryCheckIntervalSeconds int `toml:"payment_expiry_check_interval_seconds" env:"MEGANODE_PAYMENT_EXPIRY_CHECK_INTERVAL_SECONDS" env-default:"30"`
}
