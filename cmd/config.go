package cmd

import (
	"github.com/spf13/viper"
	"github.com/theapemachine/ctxsync/pkg/archive"
	"github.com/theapemachine/ctxsync/pkg/client"
	"github.com/theapemachine/ctxsync/pkg/coordinator"
	"github.com/theapemachine/ctxsync/pkg/errors"
	"github.com/theapemachine/ctxsync/pkg/logging"
	"github.com/theapemachine/ctxsync/pkg/service"
	"github.com/theapemachine/ctxsync/pkg/service/stream"
	"github.com/theapemachine/ctxsync/pkg/store"
)

/*
NewConfigFromViper maps the config file onto the coordinator's settings.
Keys that are absent keep their defaults.
*/
func NewConfigFromViper(v *viper.Viper) coordinator.Config {
	cfg := coordinator.DefaultConfig()

	cfg.Server = newServerConfig(v)
	cfg.Store = newStoreConfig(v)
	cfg.Client = newClientConfig(v)
	cfg.Archive = newArchiveConfig(v)

	cfg.ProfilesFile = v.GetString("filter.profilesFile")

	setString(v, "tokens.estimator", &cfg.Tokens.Estimator)
	setString(v, "tokens.encoding", &cfg.Tokens.Encoding)
	setString(v, "tokens.savings", &cfg.Tokens.Savings)

	if v.IsSet("tokens.firstWritePercent") {
		cfg.Tokens.FirstWritePercent = v.GetFloat64("tokens.firstWritePercent")
	}

	return cfg
}

func newServerConfig(v *viper.Viper) service.Config {
	cfg := service.DefaultConfig()

	setString(v, "server.host", &cfg.Host)
	setInt(v, "server.port", &cfg.Port)
	setInt(v, "server.maxConnections", &cfg.MaxConnections)

	if v.IsSet("server.shutdownTimeout") {
		cfg.ShutdownTimeout = v.GetDuration("server.shutdownTimeout")
	}

	cfg.Stream = newStreamConfig(v)

	return cfg
}

func newStreamConfig(v *viper.Viper) stream.Config {
	cfg := stream.DefaultConfig()

	setInt(v, "stream.queueSize", &cfg.QueueSize)

	if v.IsSet("stream.maxMessageSize") {
		cfg.MaxMessageSize = v.GetInt64("stream.maxMessageSize")
	}

	if v.IsSet("stream.pingInterval") {
		cfg.PingInterval = v.GetDuration("stream.pingInterval")
	}

	if v.IsSet("stream.pongWait") {
		cfg.PongWait = v.GetDuration("stream.pongWait")
	}

	if v.IsSet("stream.writeWait") {
		cfg.WriteWait = v.GetDuration("stream.writeWait")
	}

	if v.IsSet("stream.upstreamRate") {
		cfg.UpstreamRate = v.GetFloat64("stream.upstreamRate")
	}

	setInt(v, "stream.upstreamBurst", &cfg.UpstreamBurst)

	return cfg
}

func newStoreConfig(v *viper.Viper) store.Config {
	cfg := store.DefaultConfig()

	if v.IsSet("store.maxMemoryBytes") {
		cfg.MaxMemoryBytes = v.GetInt64("store.maxMemoryBytes")
	}

	if v.IsSet("store.idleTTL") {
		cfg.IdleTTL = v.GetDuration("store.idleTTL")
	}

	if v.IsSet("store.sweepInterval") {
		cfg.SweepInterval = v.GetDuration("store.sweepInterval")
	}

	if v.IsSet("store.tombstoneTTL") {
		cfg.TombstoneTTL = v.GetDuration("store.tombstoneTTL")
	}

	return cfg
}

func newClientConfig(v *viper.Viper) client.Config {
	cfg := client.DefaultConfig()

	setString(v, "client.baseURL", &cfg.BaseURL)
	setInt(v, "client.maxAttempts", &cfg.Retry.MaxAttempts)
	setInt(v, "client.eventBuffer", &cfg.EventBuffer)

	if v.IsSet("client.cacheTTL") {
		cfg.CacheTTL = v.GetDuration("client.cacheTTL")
	}

	if v.IsSet("client.timeout") {
		cfg.Timeout = v.GetDuration("client.timeout")
	}

	if v.IsSet("client.initialDelay") {
		cfg.Retry.InitialDelay = v.GetDuration("client.initialDelay")
	}

	if v.IsSet("client.maxDelay") {
		cfg.Retry.MaxDelay = v.GetDuration("client.maxDelay")
	}

	return cfg
}

func newArchiveConfig(v *viper.Viper) archive.Config {
	cfg := archive.DefaultConfig()

	cfg.Enabled = v.GetBool("archive.enabled")
	cfg.Secure = v.GetBool("archive.secure")

	setString(v, "archive.endpoint", &cfg.Endpoint)
	setString(v, "archive.bucket", &cfg.Bucket)
	setString(v, "archive.accessKey", &cfg.AccessKey)
	setString(v, "archive.secretKey", &cfg.SecretKey)
	setInt(v, "archive.queueSize", &cfg.QueueSize)

	return cfg
}

func NewLoggingConfig() logging.Config {
	return logging.Config{
		Level:        viper.GetString("log.level"),
		Format:       viper.GetString("log.format"),
		File:         viper.GetString("log.file"),
		ReportCaller: viper.GetBool("log.reportCaller"),
	}
}

/*
validateConfig rejects settings the components cannot run with.
*/
func validateConfig(cfg coordinator.Config) error {
	switch {
	case cfg.Server.Port < 0 || cfg.Server.Port > 65535:
		return errors.ErrValidation.WithMessagef("server.port %d out of range", cfg.Server.Port)
	case cfg.Store.MaxMemoryBytes <= 0:
		return errors.ErrValidation.WithMessagef("store.maxMemoryBytes must be positive")
	case cfg.Server.Stream.QueueSize < 1:
		return errors.ErrValidation.WithMessagef("stream.queueSize must be at least 1")
	case cfg.Archive.Enabled && cfg.Archive.Bucket == "":
		return errors.ErrValidation.WithMessagef("archive.bucket is required when archiving")
	}

	return nil
}

func setString(v *viper.Viper, key string, target *string) {
	if v.IsSet(key) {
		*target = v.GetString(key)
	}
}

func setInt(v *viper.Viper, key string, target *int) {
	if v.IsSet(key) {
		*target = v.GetInt(key)
	}
}
