package config

// MegaConfig configures the mega host: the scheduler and the attested
// tunnel it serves traffic through. The Database and Redis blocks are
// loaded but not read by cmd/mega; each node dials the channel-monitor
// stores itself (see NodeConfig). Field layout and env-var naming
// follow the teacher's ApiConfig in api.go.
type MegaConfig struct {
	Database struct {
		Host            string `toml:"host" env:"MEGANODE_DB_HOST"`
		Port            string `toml:"port" env:"MEGANODE_DB_PORT" env-default:"5432"`
		User            string `toml:"user" env:"MEGANODE_DB_USER"`
		Password        string `toml:"password" env:"MEGANODE_DB_PASSWORD"`
		DB              string `toml:"db" env:"MEGANODE_DB_NAME"`
		SslMode         string `toml:"ssl_mode" env:"MEGANODE_DB_SSL_MODE" env-default:"disable"`
		MaxConns        int    `toml:"max_conns" env:"MEGANODE_DB_MAX_CONNS" env-default:"25"`
		MinConns        int    `toml:"min_conns" env:"MEGANODE_DB_MIN_CONNS" env-default:"5"`
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

	Runner struct {
		PerUserMemMB            uint64 `toml:"per_user_mem_mb" env:"MEGANODE_RUNNER_PER_USER_MEM_MB" env-default:"256"`
		SgxHeapMB               uint64 `toml:"sgx_heap_mb" env:"MEGANODE_RUNNER_SGX_HEAP_MB" env-default:"8192"`
		OverheadMB              uint64 `toml:"overhead_mb" env:"MEGANODE_RUNNER_OVERHEAD_MB" env-default:"512"`
		BufferSlots             int    `toml:"buffer_slots" env:"MEGANODE_RUNNER_BUFFER_SLOTS" env-default:"2"`
		UserInactivitySecs      int    `toml:"user_inactivity_secs" env:"MEGANODE_RUNNER_USER_INACTIVITY_SECS" env-default:"900"`
		MegaInactivitySecs      int    `toml:"mega_inactivity_secs" env:"MEGANODE_RUNNER_MEGA_INACTIVITY_SECS" env-default:"3600"`
		InactivityCheckInterval int    `toml:"inactivity_check_interval_secs" env:"MEGANODE_RUNNER_INACTIVITY_CHECK_INTERVAL_SECS" env-default:"30"`
		LeaseLifetimeSecs       int    `toml:"lease_lifetime_secs" env:"MEGANODE_RUNNER_LEASE_LIFETIME_SECS" env-default:"1800"`
		LeaseRenewalSecs        int    `toml:"lease_renewal_interval_secs" env:"MEGANODE_RUNNER_LEASE_RENEWAL_SECS" env-default:"300"`
		ShutdownTimeoutSecs     int    `toml:"shutdown_timeout_secs" env:"MEGANODE_RUNNER_SHUTDOWN_TIMEOUT_SECS" env-default:"30"`
	} `toml:"runner"`

	Tunnel struct {
		GatewayAddr string `toml:"gateway_addr" env:"MEGANODE_TUNNEL_GATEWAY_ADDR"`
		TokenSecret string `toml:"token_secret" env:"MEGANODE_TUNNEL_TOKEN_SECRET"`
		TokenIssuer string `toml:"token_issuer" env:"MEGANODE_TUNNEL_TOKEN_ISSUER" env-default:"meganode"`
	} `toml:"tunnel"`

	// MegaID is this host's own identity: the orchestrator stamps it
	// into every RunRequest, and a mismatch is rejected with
	// WrongMegaId rather than silently served by the wrong host.
	// EvictRequest carries no mega id and is not checked.
	MegaID string `toml:"mega_id" env:"MEGANODE_MEGA_ID"`

	ListenAddr     string `toml:"listen_addr" env:"MEGANODE_LISTEN_ADDR" env-default:":8080"`
	NodeBinaryPath string `toml:"node_binary_path" env:"MEGANODE_NODE_BINARY_PATH" env-default:"./node"`
	NodeBasePort   int    `toml:"node_base_port" env:"MEGANODE_NODE_BASE_PORT" env-default:"30000"`
}
