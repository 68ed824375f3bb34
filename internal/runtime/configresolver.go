package runtime

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix starts every configuration override variable.
const EnvPrefix = "PHONEAGENT_"

// LookupFunc reports the value of an environment variable.
type LookupFunc func(key string) (string, bool)

// envBinding ties a dotted config key to the field it overrides.
type envBinding struct {
	key string
	typ string
	set func(c *Config, v interface{})
}

var envBindings = []envBinding{
	{"agent.path", "string", func(c *Config, v interface{}) { c.Agent.Path = v.(string) }},
	{"agent.base_url", "string", func(c *Config, v interface{}) { c.Agent.BaseURL = v.(string) }},
	{"agent.model", "string", func(c *Config, v interface{}) { c.Agent.Model = v.(string) }},
	{"agent.lang", "string", func(c *Config, v interface{}) { c.Agent.Lang = v.(string) }},
	{"agent.allowlist", "list", func(c *Config, v interface{}) { c.Agent.Allowlist = v.([]string) }},
	{"agent.dir", "string", func(c *Config, v interface{}) { c.Agent.Dir = v.(string) }},
	{"discovery.enumerator", "string", func(c *Config, v interface{}) { c.Discovery.Enumerator = v.(string) }},
	{"discovery.adb_path", "string", func(c *Config, v interface{}) { c.Discovery.ADBPath = v.(string) }},
	{"discovery.interval", "duration", func(c *Config, v interface{}) { c.Discovery.Interval = v.(time.Duration) }},
	{"discovery.timeout", "duration", func(c *Config, v interface{}) { c.Discovery.Timeout = v.(time.Duration) }},
	{"session.send_timeout", "duration", func(c *Config, v interface{}) { c.Session.SendTimeout = v.(time.Duration) }},
	{"session.settle_timeout", "duration", func(c *Config, v interface{}) { c.Session.SettleTimeout = v.(time.Duration) }},
	{"session.max_entries", "int", func(c *Config, v interface{}) { c.Session.MaxEntries = v.(int) }},
	{"router.prompt_prefixes", "list", func(c *Config, v interface{}) { c.Router.PromptPrefixes = v.([]string) }},
	{"router.drop_rule", "string", func(c *Config, v interface{}) { c.Router.DropRule = v.(string) }},
	{"credentials.path", "string", func(c *Config, v interface{}) { c.Credentials.Path = v.(string) }},
	{"state.pid_dir", "string", func(c *Config, v interface{}) { c.State.PIDDir = v.(string) }},
	{"server.addr", "string", func(c *Config, v interface{}) { c.Server.Addr = v.(string) }},
	{"server.no_auth", "bool", func(c *Config, v interface{}) { c.Server.NoAuth = v.(bool) }},
	{"log.level", "string", func(c *Config, v interface{}) { c.Log.Level = v.(string) }},
	{"log.format", "string", func(c *Config, v interface{}) { c.Log.Format = v.(string) }},
}

// ApplyEnv overrides cfg from PHONEAGENT_<SECTION>_<KEY> variables, e.g.
// PHONEAGENT_DISCOVERY_INTERVAL=10s. All conversion failures are returned
// together.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	var errs []error
	for _, b := range envBindings {
		envKey := configEnvKey(b.key)
		val, ok := lookup(envKey)
		if !ok {
			continue
		}
		typed, err := convertValue(val, b.typ)
		if err != nil {
			errs = append(errs, fmt.Errorf("config %s (%s): %w", b.key, envKey, err))
			continue
		}
		b.set(cfg, typed)
	}
	return errors.Join(errs...)
}

// EnvKeys returns every supported override variable, in declaration order.
func EnvKeys() []string {
	keys := make([]string, len(envBindings))
	for i, b := range envBindings {
		keys[i] = configEnvKey(b.key)
	}
	return keys
}

// configEnvKey generates the environment variable name for a config key.
// Pattern: PHONEAGENT_<SECTION>_<KEY> (uppercased, dots and hyphens to
// underscores).
func configEnvKey(key string) string {
	r := strings.NewReplacer(".", "_", "-", "_")
	return EnvPrefix + strings.ToUpper(r.Replace(key))
}

// convertValue converts a string value to the declared type.
func convertValue(val, typ string) (interface{}, error) {
	switch typ {
	case "string":
		return val, nil
	case "int":
		n, err := strconv.Atoi(val)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to int: %w", val, err)
		}
		return n, nil
	case "bool":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to bool: %w", val, err)
		}
		return b, nil
	case "duration":
		d, err := time.ParseDuration(val)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to duration: %w", val, err)
		}
		return d, nil
	case "list":
		var out []string
		for _, part := range strings.Split(val, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	default:
		return val, nil
	}
}
