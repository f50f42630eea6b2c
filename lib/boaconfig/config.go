// Package boaconfig loads the environment-variable tunables and the
// Session Template file described in spec.md §6.
package boaconfig

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"strconv"
	"time"

	"github.com/gravitational/trace"
)

// Operation is one of the four lifecycle operations BOA can drive.
type Operation string

// Supported operations.
const (
	OperationBoot      Operation = "boot"
	OperationShutdown  Operation = "shutdown"
	OperationReboot    Operation = "reboot"
	OperationConfigure Operation = "configure"
)

// Valid reports whether o is one of the four supported operations.
func (o Operation) Valid() bool {
	switch o {
	case OperationBoot, OperationShutdown, OperationReboot, OperationConfigure:
		return true
	}
	return false
}

// Config holds every environment-derived tunable used by BOA's
// control loops, plus the location of the Session Template file.
type Config struct {
	// Operation is the lifecycle operation this run performs.
	Operation Operation
	// SessionID identifies the Session this run belongs to.
	SessionID string
	// SessionTemplateID identifies the Session Template the Session
	// was created from. Used only in the rerun command; see DESIGN.md.
	SessionTemplateID string
	// SessionLimit is the session-wide limit expression, applied to
	// every Boot Set in addition to any Boot-Set-local limit.
	SessionLimit string
	// SessionFilePath is the path to the Session Template JSON file.
	SessionFilePath string

	// NodeStateCheckSleepInterval is how long StateWaiter sleeps
	// between polls.
	NodeStateCheckSleepInterval time.Duration
	// NodeStateCheckNumberOfRetries bounds StateWaiter's poll count;
	// negative disables the bound.
	NodeStateCheckNumberOfRetries int
	// GracefulShutdownTimeout is the grace window before forceful
	// power-off is attempted.
	GracefulShutdownTimeout time.Duration
	// ForcefulShutdownTimeout is the hard window for forceful
	// power-off to take effect.
	ForcefulShutdownTimeout time.Duration
	// GracefulShutdownPrewait is the pause after issuing a graceful
	// power-off request before polling begins.
	GracefulShutdownPrewait time.Duration
	// PowerStatusFrequency is the polling interval during the
	// graceful/forceful shutdown wait windows.
	PowerStatusFrequency time.Duration
	// CfsCompletionSleepInterval is the polling interval for
	// wait_for_configuration.
	CfsCompletionSleepInterval time.Duration
	// ConfigurationTimeout bounds wait_for_configuration's total wait;
	// zero means "effectively unbounded" (spec.md §4.9).
	ConfigurationTimeout time.Duration
	// ConfigurationSuccessThreshold is the fraction of nodes that must
	// reach "configured" for wait_for_configuration to succeed.
	ConfigurationSuccessThreshold float64
	// ReadyDrainDuration bounds reboot's ready_drain wait for Ready to
	// clear before boot proceeds.
	ReadyDrainDuration time.Duration
	// ReadyDrainInterval is ready_drain's polling interval.
	ReadyDrainInterval time.Duration
	// ReadyDrainSuccessThreshold is the fraction of nodes that must
	// leave Ready for ready_drain to succeed.
	ReadyDrainSuccessThreshold float64
	// LogLevel is the logrus level name.
	LogLevel string

	// HSMBaseURL is the hardware state service's base address.
	HSMBaseURL string
	// PowerControllerBaseURL is the power controller's base address.
	PowerControllerBaseURL string
	// BootScriptBaseURL is the boot-script registry's base address.
	BootScriptBaseURL string
	// ConfigurationBaseURL is the configuration service's base address.
	ConfigurationBaseURL string
	// StatusBaseURL is the status service's base address.
	StatusBaseURL string

	// S3AccessKey, S3SecretKey, S3Protocol, and S3Gateway configure the
	// object-store client (spec.md §6).
	S3AccessKey string
	S3SecretKey string
	S3Protocol  string
	S3Gateway   string

	// SidecarReadyURL, if set, is polled until it answers successfully
	// before the coordinator begins work (spec.md §4.11's "wait for a
	// local sidecar proxy to become ready"). Empty means no-op.
	SidecarReadyURL string
}

// defaultSessionFilePath is where the container runtime is expected to
// have written the Session Template body.
const defaultSessionFilePath = "/mnt/session/session.json"

// envDefaults mirrors spec.md §6's literal defaults.
const (
	defaultNodeStateCheckSleepInterval   = 5 * time.Second
	defaultNodeStateCheckNumberOfRetries = 120
	defaultGracefulShutdownTimeout       = 300 * time.Second
	defaultForcefulShutdownTimeout       = 180 * time.Second
	defaultGracefulShutdownPrewait       = 20 * time.Second
	defaultPowerStatusFrequency          = 10 * time.Second
	defaultCfsCompletionSleepInterval    = 5 * time.Second
	defaultConfigurationSuccessThreshold = 0.9
	defaultReadyDrainDuration            = 70 * time.Second
	defaultReadyDrainInterval            = 5 * time.Second
	defaultReadyDrainSuccessThreshold    = 1.0
	defaultLogLevel                      = "info"

	defaultHSMBaseURL           = "http://cray-smd/hsm"
	defaultPowerControllerURL   = "http://cray-capmc/capmc"
	defaultBootScriptBaseURL    = "http://cray-bss/boot"
	defaultConfigurationBaseURL = "http://cray-cfs-api/apis/cfs"
	defaultStatusBaseURL        = "http://cray-bos/apis/bos"
)

// FromEnvironment loads Config from the process environment, applying
// spec.md §6's defaults. A numeric tunable set to the empty string is
// treated the same as unset: this is a deliberate carry-over of the
// source's quirk (see DESIGN.md), not a parse fallback. String-valued
// variables read through getenv keep an explicit empty value.
func FromEnvironment() (*Config, error) {
	cfg := &Config{
		Operation:                     Operation(getenv("OPERATION", "")),
		SessionID:                     getenv("SESSION_ID", ""),
		SessionTemplateID:             getenv("SESSION_TEMPLATE_ID", ""),
		SessionLimit:                  getenv("SESSION_LIMIT", ""),
		SessionFilePath:               getenv("SESSION_FILE_PATH", defaultSessionFilePath),
		NodeStateCheckNumberOfRetries: defaultNodeStateCheckNumberOfRetries,
		NodeStateCheckSleepInterval:   defaultNodeStateCheckSleepInterval,
		GracefulShutdownTimeout:       defaultGracefulShutdownTimeout,
		ForcefulShutdownTimeout:       defaultForcefulShutdownTimeout,
		GracefulShutdownPrewait:       defaultGracefulShutdownPrewait,
		PowerStatusFrequency:          defaultPowerStatusFrequency,
		CfsCompletionSleepInterval:    defaultCfsCompletionSleepInterval,
		ConfigurationSuccessThreshold: defaultConfigurationSuccessThreshold,
		ReadyDrainDuration:            defaultReadyDrainDuration,
		ReadyDrainInterval:            defaultReadyDrainInterval,
		ReadyDrainSuccessThreshold:    defaultReadyDrainSuccessThreshold,
		LogLevel:                      getenv("LOG_LEVEL", defaultLogLevel),

		HSMBaseURL:           getenv("HSM_BASE_URL", defaultHSMBaseURL),
		PowerControllerBaseURL: getenv("POWER_CONTROLLER_BASE_URL", defaultPowerControllerURL),
		BootScriptBaseURL:    getenv("BOOT_SCRIPT_BASE_URL", defaultBootScriptBaseURL),
		ConfigurationBaseURL: getenv("CONFIGURATION_BASE_URL", defaultConfigurationBaseURL),
		StatusBaseURL:        getenv("STATUS_BASE_URL", defaultStatusBaseURL),

		S3AccessKey: getenv("S3_ACCESS_KEY", ""),
		S3SecretKey: getenv("S3_SECRET_KEY", ""),
		S3Protocol:  getenv("S3_PROTOCOL", "http"),
		S3Gateway:   getenv("S3_GATEWAY", ""),

		SidecarReadyURL: getenv("SIDECAR_READY_URL", ""),
	}

	var err error
	cfg.NodeStateCheckSleepInterval, err = getenvSeconds(
		"NODE_STATE_CHECK_SLEEP_INTERVAL", defaultNodeStateCheckSleepInterval)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.NodeStateCheckNumberOfRetries, err = getenvIntOrDefault(
		"NODE_STATE_CHECK_NUMBER_OF_RETRIES", defaultNodeStateCheckNumberOfRetries)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.GracefulShutdownTimeout, err = getenvSeconds(
		"GRACEFUL_SHUTDOWN_TIMEOUT", defaultGracefulShutdownTimeout)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.ForcefulShutdownTimeout, err = getenvSeconds(
		"FORCEFUL_SHUTDOWN_TIMEOUT", defaultForcefulShutdownTimeout)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.GracefulShutdownPrewait, err = getenvSeconds(
		"GRACEFUL_SHUTDOWN_PREWAIT", defaultGracefulShutdownPrewait)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.PowerStatusFrequency, err = getenvSeconds(
		"POWER_STATUS_FREQUENCY", defaultPowerStatusFrequency)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.CfsCompletionSleepInterval, err = getenvSeconds(
		"CFS_COMPLETION_SLEEP_INTERVAL", defaultCfsCompletionSleepInterval)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.ConfigurationTimeout, err = getenvSeconds("CONFIGURATION_TIMEOUT", 0)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.ConfigurationSuccessThreshold, err = getenvFloatOrDefault(
		"CONFIGURATION_SUCCESS_THRESHOLD", defaultConfigurationSuccessThreshold)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.ReadyDrainDuration, err = getenvSeconds("READY_DRAIN_DURATION", defaultReadyDrainDuration)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.ReadyDrainInterval, err = getenvSeconds("READY_DRAIN_INTERVAL", defaultReadyDrainInterval)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.ReadyDrainSuccessThreshold, err = getenvFloatOrDefault(
		"READY_DRAIN_SUCCESS_THRESHOLD", defaultReadyDrainSuccessThreshold)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return cfg, trace.Wrap(cfg.CheckAndSetDefaults())
}

// CheckAndSetDefaults validates the config and fills in any remaining
// defaults, following the teacher's CheckAndSetDefaults convention
// (lib/fsm.Config, lib/fsm.Params).
func (c *Config) CheckAndSetDefaults() error {
	if !c.Operation.Valid() {
		return trace.BadParameter("unsupported operation %q", c.Operation)
	}
	if c.SessionID == "" {
		return trace.BadParameter("missing SESSION_ID")
	}
	if c.SessionFilePath == "" {
		c.SessionFilePath = defaultSessionFilePath
	}
	return nil
}

// getenv returns the environment variable, or def if it is unset. An
// empty-string value is returned as-is. Of the string settings, only
// SessionFilePath (CheckAndSetDefaults) and LogLevel (ignored by the
// caller when it does not parse) fall back to a default on "".
func getenv(name, def string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return def
}

// getenvIntOrDefault implements the "empty string means default"
// quirk: a variable that is set but empty is treated as unset rather
// than a parse error, matching the source's behavior (see DESIGN.md).
func getenvIntOrDefault(name string, def int) (int, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, trace.BadParameter("%v: %v", name, err)
	}
	return n, nil
}

// getenvFloatOrDefault applies the same empty-means-default quirk to a
// floating-point tunable (e.g. a success threshold).
func getenvFloatOrDefault(name string, def float64) (float64, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, trace.BadParameter("%v: %v", name, err)
	}
	return f, nil
}

// getenvSeconds parses an integer-seconds environment variable into a
// time.Duration, applying the same empty-means-default quirk.
func getenvSeconds(name string, def time.Duration) (time.Duration, error) {
	n, err := getenvIntOrDefault(name, -1)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if n < 0 {
		return def, nil
	}
	return time.Duration(n) * time.Second, nil
}

// LoadSessionFile reads and JSON-decodes the Session Template file at
// path into v.
func LoadSessionFile(path string, v interface{}) error {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return trace.Wrap(err, "parsing session template %v", path)
	}
	return nil
}
