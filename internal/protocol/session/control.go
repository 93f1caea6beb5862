package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/gatestream/internal/arb"
	"github.com/danmuck/gatestream/internal/measurement"
)

// Control request and response types exchanged between the simulator and
// one plugin, one JSON object per line.
const (
	RequestInitialize = "initialize"
	RequestRun        = "run"
	RequestArb        = "arb"
	RequestAbort      = "abort"

	ResponseInitialized = "initialize.ok"
	ResponseRun         = "run.ok"
	ResponseArb         = "arb.ok"
	ResponseSuccess     = "success"
	ResponseFailure     = "failure"
)

// Plugin roles in a simulation chain.
const (
	PluginFrontend = "frontend"
	PluginOperator = "operator"
	PluginBackend  = "backend"
)

const maxControlLine = 1 << 20

var (
	ErrInvalidRequest         = errors.New("session: invalid control request")
	ErrInvalidResponse        = errors.New("session: invalid control response")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
)

// InitializeRequest configures a plugin for one session.
type InitializeRequest struct {
	SessionID  string `json:"session_id"`
	PluginName string `json:"plugin_name"`
	PluginType string `json:"plugin_type"`
	// Downstream is the endpoint of the next plugin. Backends leave it empty.
	Downstream string    `json:"downstream,omitempty"`
	ArbCmds    []arb.Cmd `json:"arb_cmds,omitempty"`
	LogPrefix  string    `json:"log_prefix,omitempty"`
	LogLevel   string    `json:"log_level,omitempty"`
}

func (r InitializeRequest) Validate() error {
	if strings.TrimSpace(r.SessionID) == "" {
		return fmt.Errorf("%w: missing session_id", ErrInvalidRequest)
	}
	switch r.PluginType {
	case PluginFrontend, PluginOperator:
		if strings.TrimSpace(r.Downstream) == "" {
			return fmt.Errorf("%w: %s requires downstream", ErrInvalidRequest, r.PluginType)
		}
	case PluginBackend:
		if r.Downstream != "" {
			return fmt.Errorf("%w: backend has no downstream", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown plugin_type %q", ErrInvalidRequest, r.PluginType)
	}
	for i, c := range r.ArbCmds {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("%w: arb_cmds[%d]: %v", ErrInvalidRequest, i, err)
		}
	}
	return nil
}

// InitializeResponse carries the endpoint on which the plugin accepts its
// upstream neighbor. Frontends leave it empty.
type InitializeResponse struct {
	Upstream string `json:"upstream,omitempty"`
}

type RunRequest struct {
	Data arb.Data `json:"arb_data"`
}

type RunResponse struct {
	Data         arb.Data               `json:"return_data"`
	Measurements *measurement.ResultSet `json:"measurements"`
}

type ArbRequest struct {
	Cmd arb.Cmd `json:"arb_cmd"`
}

type ArbResponse struct {
	Data arb.Data `json:"data"`
}

type FailureResponse struct {
	Message string `json:"message"`
}

// Request is one simulator-to-plugin control envelope. Exactly the payload
// matching Type is set.
type Request struct {
	Type       string             `json:"type"`
	Initialize *InitializeRequest `json:"initialize,omitempty"`
	Run        *RunRequest        `json:"run,omitempty"`
	Arb        *ArbRequest        `json:"arb,omitempty"`
}

func (r Request) Validate() error {
	switch r.Type {
	case RequestInitialize:
		if r.Initialize == nil {
			return fmt.Errorf("%w: missing initialize payload", ErrInvalidRequest)
		}
		return r.Initialize.Validate()
	case RequestRun:
		if r.Run == nil {
			return fmt.Errorf("%w: missing run payload", ErrInvalidRequest)
		}
	case RequestArb:
		if r.Arb == nil {
			return fmt.Errorf("%w: missing arb payload", ErrInvalidRequest)
		}
		if err := r.Arb.Cmd.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	case RequestAbort:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRequest, r.Type)
	}
	return nil
}

// Response is one plugin-to-simulator control envelope.
type Response struct {
	Type        string              `json:"type"`
	Initialized *InitializeResponse `json:"initialize,omitempty"`
	Run         *RunResponse        `json:"run,omitempty"`
	Arb         *ArbResponse        `json:"arb,omitempty"`
	Failure     *FailureResponse    `json:"failure,omitempty"`
}

func (r Response) Validate() error {
	switch r.Type {
	case ResponseInitialized:
		if r.Initialized == nil {
			return fmt.Errorf("%w: missing initialize payload", ErrInvalidResponse)
		}
	case ResponseRun:
		if r.Run == nil {
			return fmt.Errorf("%w: missing run payload", ErrInvalidResponse)
		}
	case ResponseArb:
		if r.Arb == nil {
			return fmt.Errorf("%w: missing arb payload", ErrInvalidResponse)
		}
	case ResponseFailure:
		if r.Failure == nil {
			return fmt.Errorf("%w: missing failure payload", ErrInvalidResponse)
		}
	case ResponseSuccess:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidResponse, r.Type)
	}
	return nil
}

// Err converts a failure response into an error. Other responses return nil.
func (r Response) Err() error {
	if r.Type != ResponseFailure || r.Failure == nil {
		return nil
	}
	return &RemoteError{Message: r.Failure.Message}
}

// RemoteError is a failure reported by the peer on the control channel.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "session: remote failure: " + e.Message
}

func Failed(err error) Response {
	return Response{Type: ResponseFailure, Failure: &FailureResponse{Message: err.Error()}}
}

func Success() Response {
	return Response{Type: ResponseSuccess}
}

func WriteRequest(w io.Writer, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, req)
}

func ReadRequest(r *bufio.Reader) (Request, error) {
	var req Request
	if err := readControlEnvelope(r, &req); err != nil {
		return Request{}, err
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

func WriteResponse(w io.Writer, resp Response) error {
	if err := resp.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, resp)
}

func ReadResponse(r *bufio.Reader) (Response, error) {
	var resp Response
	if err := readControlEnvelope(r, &resp); err != nil {
		return Response{}, err
	}
	if err := resp.Validate(); err != nil {
		return Response{}, err
	}
	return resp, nil
}

func writeControlEnvelope(w io.Writer, env any) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if len(payload) >= maxControlLine {
		return ErrControlMessageTooLarge
	}
	payload = append(payload, '\n')
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return nil
}

func readControlEnvelope(r *bufio.Reader, out any) error {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return err
		}
		line = append(line, chunk...)
		if len(line) > maxControlLine {
			return ErrControlMessageTooLarge
		}
		if !isPrefix {
			break
		}
	}
	return json.Unmarshal(line, out)
}
