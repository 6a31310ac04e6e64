package controlplane

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/fleetd/agent/internal/persist"
)

// defaultDeadline bounds every connect/read/write on a control-plane call.
const defaultDeadline = 5 * time.Second

// Client talks to one control-plane endpoint (data_port or file_port) over
// TCP, dialing fresh per call — matching the teacher client's dial-per-request
// style, generalized from a Unix socket to TCP with a bound codec.
type Client struct {
	addr     string
	codec    Codec
	deadline time.Duration
}

// New returns a client bound to addr using codec, with the default 5s
// connect/read/write deadline.
func New(addr string, codec Codec) *Client {
	return &Client{addr: addr, codec: codec, deadline: defaultDeadline}
}

// wireRequest/wireResponse are generic envelopes; Method selects the RPC and
// Params/Result carry the call-specific payload via the bound codec. ReqID
// gives every call a correlation id for server-side logging, matching the
// teacher protocol's per-message uuid.
type wireRequest struct {
	ReqID  string `msgpack:"req_id" json:"req_id"`
	Method string `msgpack:"method" json:"method"`
	Params any    `msgpack:"params,omitempty" json:"params,omitempty"`
}

type wireResponse struct {
	OK     bool   `msgpack:"ok" json:"ok"`
	Status string `msgpack:"status,omitempty" json:"status,omitempty"` // classified error kind when !OK
	Err    string `msgpack:"error,omitempty" json:"error,omitempty"`
	Result any    `msgpack:"result,omitempty" json:"result,omitempty"`
}

func (c *Client) call(method string, params, result any) error {
	conn, err := net.DialTimeout("tcp", c.addr, c.deadline)
	if err != nil {
		return &Error{Kind: ErrNetwork, Err: fmt.Errorf("dial %s: %w", c.addr, err)}
	}
	defer conn.Close()

	deadline := time.Now().Add(c.deadline)
	if err := conn.SetDeadline(deadline); err != nil {
		return &Error{Kind: ErrNetwork, Err: err}
	}

	req := wireRequest{ReqID: uuid.Must(uuid.NewV7()).String(), Method: method, Params: params}
	if err := encodeFrame(conn, c.codec, req); err != nil {
		return &Error{Kind: classifyIOErr(err), Err: err}
	}

	var resp wireResponse
	resp.Result = result
	if err := decodeFrame(conn, c.codec, &resp); err != nil {
		return &Error{Kind: classifyIOErr(err), Err: err}
	}
	if !resp.OK {
		return &Error{Kind: statusToKind(resp.Status), Err: errors.New(resp.Err)}
	}
	return nil
}

func statusToKind(status string) ErrorKind {
	switch ErrorKind(status) {
	case ErrAccessDenied, ErrIntegrity, ErrNotFound, ErrNetwork:
		return ErrorKind(status)
	default:
		return ErrOther
	}
}

func classifyIOErr(err error) ErrorKind {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrNetwork
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrNetwork
	}
	return ErrOther
}

// Poll drives one poll cycle against data_port.
func (c *Client) Poll() (PollResult, error) {
	var res PollResult
	if err := c.call("poll", nil, &res); err != nil {
		return PollResult{}, err
	}
	return res, nil
}

// GetUpdateData asks the server to pick at most one pending update given
// the node's current hash snapshot.
func (c *Client) GetUpdateData(hashes persist.HashSet) (UpdateData, error) {
	var res UpdateData
	if err := c.call("get_update_data", hashes, &res); err != nil {
		return UpdateData{}, err
	}
	return res, nil
}

// GetPointConfig fetches the full node configuration.
func (c *Client) GetPointConfig() (NodeConfig, error) {
	var res NodeConfig
	if err := c.call("get_point_config", nil, &res); err != nil {
		return NodeConfig{}, err
	}
	return res, nil
}

// GetProgramConfig fetches one config file's hash and bytes.
func (c *Client) GetProgramConfig(configID int32) (ConfigGetResult, error) {
	var res ConfigGetResult
	if err := c.call("get_program_config", configID, &res); err != nil {
		return ConfigGetResult{}, err
	}
	return res, nil
}

// SendReport, SendStat, SendLog push one send-queue item each; errors are
// classified the same way as any other call.
func (c *Client) SendReport(r Report) error { return c.call("send_report", r, nil) }
func (c *Client) SendStat(s Stat) error     { return c.call("send_stat", s, nil) }
func (c *Client) SendLog(l Log) error       { return c.call("send_log", l, nil) }

// SetStatus and SetRunStatus push status updates for the node / a program.
func (c *Client) SetStatus(status string) error { return c.call("set_status", status, nil) }

type runStatusParams struct {
	PID    int32  `msgpack:"pid" json:"pid"`
	Status string `msgpack:"status" json:"status"`
}

func (c *Client) SetRunStatus(pid int32, status string) error {
	return c.call("set_run_status", runStatusParams{PID: pid, Status: status}, nil)
}

// Register performs the node registration handshake.
func (c *Client) Register(name, firm string) (RegisterResult, error) {
	type params struct {
		Name string `msgpack:"name" json:"name"`
		Firm string `msgpack:"firm,omitempty" json:"firm,omitempty"`
	}
	var res RegisterResult
	if err := c.call("register", params{Name: name, Firm: firm}, &res); err != nil {
		return RegisterResult{}, err
	}
	return res, nil
}

// downloadHeader precedes the streamed payload on file_port.
type downloadHeader struct {
	Hash  string `msgpack:"hash" json:"hash"`
	FSize int64  `msgpack:"fsize" json:"fsize"`
}

// download is shared by DownloadProgram/DownloadAsset: it streams the
// payload into a staging file under stagingDir, verifying SHA-256 against
// the header-declared hash with a single pass via io.TeeReader.
func (c *Client) download(method string, pid int32, stagingDir, namePrefix string) (DownloadResult, error) {
	conn, err := net.DialTimeout("tcp", c.addr, c.deadline)
	if err != nil {
		return DownloadResult{}, &Error{Kind: ErrNetwork, Err: err}
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(c.deadline)); err != nil {
		return DownloadResult{}, &Error{Kind: ErrNetwork, Err: err}
	}

	req := wireRequest{ReqID: uuid.Must(uuid.NewV7()).String(), Method: method, Params: pid}
	if err := encodeFrame(conn, c.codec, req); err != nil {
		return DownloadResult{}, &Error{Kind: classifyIOErr(err), Err: err}
	}

	var hdr downloadHeader
	if err := decodeFrame(conn, c.codec, &hdr); err != nil {
		return DownloadResult{}, &Error{Kind: classifyIOErr(err), Err: err}
	}

	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return DownloadResult{}, &Error{Kind: ErrOther, Err: err}
	}
	tmp, err := os.CreateTemp(stagingDir, namePrefix+"-*.tar.zst")
	if err != nil {
		return DownloadResult{}, &Error{Kind: ErrOther, Err: err}
	}
	defer tmp.Close()

	hasher := sha256.New()
	tee := io.TeeReader(io.LimitReader(conn, hdr.FSize), hasher)
	if _, err := io.Copy(tmp, tee); err != nil {
		os.Remove(tmp.Name())
		return DownloadResult{}, &Error{Kind: classifyIOErr(err), Err: err}
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if sum != hdr.Hash {
		os.Remove(tmp.Name())
		return DownloadResult{}, &Error{Kind: ErrIntegrity, Err: fmt.Errorf("hash mismatch: got %s want %s", sum, hdr.Hash)}
	}

	return DownloadResult{TempPath: tmp.Name(), Hash: hdr.Hash}, nil
}

// DownloadProgram fetches a program build archive.
func (c *Client) DownloadProgram(pid int32, stagingDir string) (DownloadResult, error) {
	return c.download("download_program", pid, stagingDir, fmt.Sprintf("build_%d", pid))
}

// DownloadAsset fetches a program asset archive.
func (c *Client) DownloadAsset(pid int32, stagingDir string) (DownloadResult, error) {
	return c.download("download_asset", pid, stagingDir, fmt.Sprintf("asset_%d", pid))
}
