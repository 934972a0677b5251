// Package config loads the gateway's settings store: the dotted
// davmail.* configuration keys, resolved from (in increasing priority)
// built-in defaults, an optional properties file, and environment
// variables.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// ValidationError reports a malformed configuration value.
type ValidationError struct {
	Key     string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Key, e.Message)
}

// Settings is the gateway's fully resolved, read-only-after-init
// configuration. Once Load returns, no field is mutated, so connection
// handlers may read it without synchronization.
type Settings struct {
	LogLevel zerolog.Level

	// Networking
	BindAddress     string
	ClientSoTimeout time.Duration
	AllowRemote     bool

	// TLS (listener)
	SSLKeystoreFile     string
	SSLKeystoreType     string
	SSLKeystorePass     string
	SSLKeyPass          string
	SSLTruststoreFile   string
	SSLTruststoreType   string
	SSLTruststorePass   string
	SSLNeedClientAuth   bool

	// Proxy (HTTP client)
	EnableProxy   bool
	ProxyHost     string
	ProxyPort     int
	ProxyUser     string
	ProxyPassword string

	// Back-end identity
	URL string
}

// properties is a flat key=value map loaded from a davmail-style
// properties file, keyed by the literal dotted key (e.g.
// "davmail.bindAddress").
type properties map[string]string

// loadProperties reads a "key=value" file, one pair per line; blank lines
// and lines starting with "#" are ignored. A missing file is not an
// error — the gateway runs on defaults and environment overrides alone.
func loadProperties(path string) (properties, error) {
	p := properties{}
	if path == "" {
		return p, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			continue
		}
		p[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return p, scanner.Err()
}

// envName translates a dotted settings key into its environment variable
// form: davmail.bindAddress -> DAVMAIL_BINDADDRESS.
func envName(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// resolve looks up key in order: environment, properties file, default.
func (p properties) resolve(key, def string) string {
	if v, ok := os.LookupEnv(envName(key)); ok && v != "" {
		return v
	}
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

func (p properties) resolveBool(key string, def bool) (bool, error) {
	raw := p.resolve(key, strconv.FormatBool(def))
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, ValidationError{Key: key, Message: fmt.Sprintf("cannot parse %q as bool: %v", raw, err)}
	}
	return v, nil
}

func (p properties) resolveInt(key string, def int) (int, error) {
	raw := p.resolve(key, strconv.Itoa(def))
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, ValidationError{Key: key, Message: fmt.Sprintf("cannot parse %q as int: %v", raw, err)}
	}
	return v, nil
}

func (p properties) resolveDuration(key string, def time.Duration) (time.Duration, error) {
	raw := p.resolve(key, def.String())
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, ValidationError{Key: key, Message: fmt.Sprintf("cannot parse %q as duration: %v", raw, err)}
	}
	return v, nil
}

// Load resolves Settings from propertiesPath (optional) plus environment
// variables and defaults. Before reading the file, it loads ".env.local"
// and then ".env" from the current working directory, each only if
// present, for operators who prefer dotenv-style overrides to a
// properties file.
func Load(propertiesPath string) (*Settings, error) {
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading %s: %w", name, err)
		}
	}

	props, err := loadProperties(propertiesPath)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", propertiesPath, err)
	}

	logLevelStr := props.resolve("davmail.logLevel", "info")
	logLevel, err := zerolog.ParseLevel(logLevelStr)
	if err != nil {
		return nil, ValidationError{Key: "davmail.logLevel", Message: err.Error()}
	}

	clientSoTimeout, err := props.resolveDuration("davmail.clientSoTimeout", 300*time.Second)
	if err != nil {
		return nil, err
	}
	allowRemote, err := props.resolveBool("davmail.allowRemote", false)
	if err != nil {
		return nil, err
	}
	needClientAuth, err := props.resolveBool("davmail.ssl.needClientAuth", false)
	if err != nil {
		return nil, err
	}
	enableProxy, err := props.resolveBool("davmail.enableProxy", false)
	if err != nil {
		return nil, err
	}
	proxyPort, err := props.resolveInt("davmail.proxyPort", 0)
	if err != nil {
		return nil, err
	}

	return &Settings{
		LogLevel: logLevel,

		BindAddress:     props.resolve("davmail.bindAddress", ""),
		ClientSoTimeout: clientSoTimeout,
		AllowRemote:     allowRemote,

		SSLKeystoreFile:   props.resolve("davmail.ssl.keystoreFile", ""),
		SSLKeystoreType:   props.resolve("davmail.ssl.keystoreType", "JKS"),
		SSLKeystorePass:   props.resolve("davmail.ssl.keystorePass", ""),
		SSLKeyPass:        props.resolve("davmail.ssl.keyPass", ""),
		SSLTruststoreFile: props.resolve("davmail.ssl.truststoreFile", ""),
		SSLTruststoreType: props.resolve("davmail.ssl.truststoreType", "JKS"),
		SSLTruststorePass: props.resolve("davmail.ssl.truststorePass", ""),
		SSLNeedClientAuth: needClientAuth,

		EnableProxy:   enableProxy,
		ProxyHost:     props.resolve("davmail.proxyHost", ""),
		ProxyPort:     proxyPort,
		ProxyUser:     props.resolve("davmail.proxyUser", ""),
		ProxyPassword: props.resolve("davmail.proxyPassword", ""),

		URL: props.resolve("davmail.url", ""),
	}, nil
}
