// Package config loads the astrobuf server configuration from YAML.
//
// A Loader merges the built-in defaults, any number of YAML layers and
// ASTROBUF_* environment overrides, in that order, and validates the result:
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/astrobuf/base.yaml")
//	loader.AddLayer("/etc/astrobuf/site.yaml") // overrides base key by key
//
//	cfg, err := loader.Load()
//	if err != nil {
//		return err // always a fatal errors.ErrInvalidConfig
//	}
//	srv, err := server.New(cfg.ToServerConfig(), deps)
//
// # Layer Merging
//
// Mappings merge key by key with last-wins semantics; sequences such as
// server.listeners or data.streams are replaced as a whole.
//
//	base.yaml:
//	  server: {read_timeout: 5s, data_wait: 0s}
//
//	site.yaml:
//	  server: {data_wait: 250ms}
//
//	Result:
//	  server: {read_timeout: 5s, data_wait: 250ms}
//
// # Environment Variable Overrides
//
//	ASTROBUF_LISTEN=":6969,:6970"      replaces server.listeners
//	ASTROBUF_DATA_WAIT=250ms           server.data_wait
//	ASTROBUF_MAX_SESSIONS=64           server.max_sessions
//	ASTROBUF_METRICS_ADDRESS=:9090     enables metrics on that address
//	ASTROBUF_LOG_LEVEL=debug
//	ASTROBUF_LOG_FORMAT=text
//
// # Chunker Options
//
// Each chunker entry names its implementation type, the data type it feeds,
// and a free-form options mapping read through the Options accessors:
//
//	chunkers:
//	  vis-udp:
//	    type: udp
//	    data_type: Vis
//	    options:
//	      address: ":7000"
//	      packet_size: 1000
//	      packets_per_chunk: 8
//
//	size := opts.GetInt("packet_size", 1500)
//	wait := opts.GetDuration("read_timeout", time.Second)
//
// # Security
//
//   - Only regular .yaml/.yml files up to 1MB are read
//   - Relative paths must stay inside the working directory
//   - Nesting deeper than 32 levels is rejected
//   - Unknown keys are rejected so typos fail loudly
package config
