// Package controlplane implements the synchronous TCP client the kernel
// uses to talk to the remote control plane: polling, update-data queries,
// config/build/asset fetches, and report/stat/log pushes.
package controlplane

// ErrorKind is the closed set of error categories the core reacts to.
// Every call into this package classifies its error into one of these
// kinds rather than letting callers switch on raw error strings.
type ErrorKind string

const (
	ErrNetwork      ErrorKind = "network"
	ErrAccessDenied ErrorKind = "access_denied"
	ErrIntegrity    ErrorKind = "integrity"
	ErrNotFound     ErrorKind = "not_found"
	ErrOther        ErrorKind = "other"
)

// Error wraps an underlying error with its classified kind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// PollResult is the tagged union returned by Poll.
type PollResultKind string

const (
	PollNothing            PollResultKind = "nothing"
	PollNotRegistered      PollResultKind = "not_registered"
	PollPointConfigChanged PollResultKind = "point_config_changed"
	PollProgramDataChanged PollResultKind = "program_data_changed"
	PollCmd                PollResultKind = "cmd"
	PollStream             PollResultKind = "stream"
)

// CmdType enumerates admin commands the control plane may push via Poll.
type CmdType string

const (
	CmdReboot     CmdType = "reboot"
	CmdSelfupdate CmdType = "selfupdate"
)

// PollResult carries whichever payload its Kind implies; the other fields
// are zero.
type PollResult struct {
	Kind     PollResultKind
	CmdID    int64
	Cmd      CmdType
	StreamID int64
	PID      int32
}

// UpdateKind enumerates the three update artifact kinds.
type UpdateKind string

const (
	UpdateBuild  UpdateKind = "build"
	UpdateAsset  UpdateKind = "asset"
	UpdateConfig UpdateKind = "config"
	UpdateNone   UpdateKind = "none"
)

// UpdateData is the server's answer to GetUpdateData: at most one pending
// update, named by kind and target.
type UpdateData struct {
	Kind UpdateKind

	// PID names the target program for Build and Asset.
	PID int32
	// AssetExists is only meaningful when Kind == UpdateAsset: false means
	// the asset was removed on the server and should be removed locally.
	AssetExists bool

	// ConfigID names the target config entry for Config.
	ConfigID int32
}

// ProgramConfig is one Custom program's config/update flags and config set,
// as carried in NodeConfig.Programs.
type ProgramConfig struct {
	Autoupdate       bool
	ConfigAutoupdate bool
	AssetAutoupdate  bool
	IPCType          string // "" means no IPC; otherwise "msgpack" or "json"
	LogLevel         string
	Configs          []ConfigRef
}

// ConfigRef names one config file belonging to a program.
type ConfigRef struct {
	ConfigID int32
	RelPath  string
}

// ProgramKind distinguishes Custom (updatable) from Builtin programs.
type ProgramKind string

const (
	ProgramCustom  ProgramKind = "custom"
	ProgramBuiltin ProgramKind = "builtin"
)

// Program is one program descriptor inside NodeConfig.Programs.
type Program struct {
	ID         int32
	Name       string
	KeepRun    bool
	Entry      string
	ArgsBefore string
	ArgsAfter  string
	IsIndicate bool
	Kind       ProgramKind
	Custom     ProgramConfig // zero value when Kind == ProgramBuiltin
}

// NodeConfig is the control-plane-synced node configuration, persisted to
// config.json.
type NodeConfig struct {
	PollPeriodMS int64
	BinPath      string
	IPCDir       string
	Programs     []Program
}

// ProgramByID returns the program descriptor with the given id, if present.
func (c *NodeConfig) ProgramByID(pid int32) (Program, bool) {
	for _, p := range c.Programs {
		if p.ID == pid {
			return p, true
		}
	}
	return Program{}, false
}

// ProgramByName returns the program descriptor with the given name.
func (c *NodeConfig) ProgramByName(name string) (Program, bool) {
	for _, p := range c.Programs {
		if p.Name == name {
			return p, true
		}
	}
	return Program{}, false
}

// ConfigGetResult is the answer to GetProgramConfig.
type ConfigGetResult struct {
	Hash string
	Data []byte
}

// RegisterResult is the tagged union returned by Register.
type RegisterResultKind string

const (
	RegisterProceed         RegisterResultKind = "proceed"
	RegisterProceedIndicate RegisterResultKind = "proceed_indicate"
	RegisterOK              RegisterResultKind = "ok"
)

// RegisterResult carries the new auth token when Kind == RegisterOK.
type RegisterResult struct {
	Kind     RegisterResultKind
	AuthID   int64
	AuthTok  string
	FirmID   int64
	FirmName string
}

// ReportType enumerates the internal event taxonomy surfaced as reports.
type ReportType string

const (
	ReportReboot            ReportType = "reboot"
	ReportSelfupdate        ReportType = "selfupdate"
	ReportBuildUpdate       ReportType = "build_update"
	ReportConfigUpdate      ReportType = "config_update"
	ReportAssetUpdate       ReportType = "asset_update"
	ReportStopProgram       ReportType = "stop_program"
	ReportStartProgram      ReportType = "start_program"
	ReportPointConfigUpdate ReportType = "point_config_update"
	ReportInternalError     ReportType = "internal_error"
)

// Report is a must-have send-queue payload describing a discrete event.
type Report struct {
	Delay       int64 // milliseconds between enqueue and send, filled at send time
	Type        ReportType
	ProgramID   *int32
	Description string
}

// Stat is a must-have send-queue payload carrying program telemetry.
type Stat struct {
	Delay int64
	Name  string
	Data  []byte
}

// Log is a best-effort send-queue payload, dropped on shutdown.
type Log struct {
	Delay   int64
	Name    string
	Level   string
	Module  string
	Message string
}

// DownloadResult names the staged file and expected hash for a completed
// build/asset download.
type DownloadResult struct {
	TempPath string
	Hash     string
}
