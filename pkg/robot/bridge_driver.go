package robot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	zmq "github.com/pebbe/zmq4"

	customlog "github.com/j-secco/ur10-kiosk-controller/pkg/log"
)

// Bridge message types exchanged with the arm-side RTDE bridge.
const (
	MsgTypeHello     = "HELLO"
	MsgTypeAck       = "ACK"
	MsgTypeError     = "ERROR"
	MsgTypeMoveL     = "MOVEL"
	MsgTypeMoveJ     = "MOVEJ"
	MsgTypeForceMode = "FORCEMODE"
	MsgTypeGripper   = "GRIPPER"
	MsgTypeStop      = "STOP"
)

// stateTopic is the PUB/SUB topic the bridge streams controller state on.
const stateTopic = "robot.state"

// BridgeMessage is the generic JSON envelope for bridge communication.
type BridgeMessage struct {
	Type      string      `json:"type"`
	Timestamp float64     `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

type bridgeAck struct {
	Type      string          `json:"type"`
	Timestamp float64         `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// BridgeDriver talks to the arm through a small bridge process colocated with
// the controller cabinet: a REQ socket for motion commands, a second REQ
// socket reserved for stop/emergency-stop so a stop never queues behind a
// command in flight, and a SUB socket for the state stream.
//
// The command endpoint is tcp://<hostname>:<port>; the control endpoint uses
// port+1 and the state stream port+2.
type BridgeDriver struct {
	logger customlog.Logger

	mu        sync.Mutex
	ctx       *zmq.Context
	cmdSock   *zmq.Socket
	ctrlSock  *zmq.Socket
	stateSock *zmq.Socket
	connected bool

	cmdMu  sync.Mutex
	ctrlMu sync.Mutex

	stateMu   sync.RWMutex
	lastState Snapshot
	haveState bool

	running atomic.Bool
	wg      sync.WaitGroup

	requestTimeout time.Duration
}

// NewBridgeDriver creates an unconnected bridge driver.
func NewBridgeDriver(logger customlog.Logger, requestTimeout time.Duration) *BridgeDriver {
	if requestTimeout <= 0 {
		requestTimeout = 2 * time.Second
	}
	return &BridgeDriver{
		logger:         logger,
		requestTimeout: requestTimeout,
	}
}

func (d *BridgeDriver) Connect(ctx context.Context, hostname string, port int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return nil
	}

	zctx, err := zmq.NewContext()
	if err != nil {
		return fmt.Errorf("%w: creating zmq context: %v", ErrConnection, err)
	}

	cmdSock, err := d.newReqSocket(zctx, fmt.Sprintf("tcp://%s:%d", hostname, port))
	if err != nil {
		zctx.Term()
		return err
	}
	ctrlSock, err := d.newReqSocket(zctx, fmt.Sprintf("tcp://%s:%d", hostname, port+1))
	if err != nil {
		cmdSock.Close()
		zctx.Term()
		return err
	}

	stateSock, err := zctx.NewSocket(zmq.SUB)
	if err != nil {
		cmdSock.Close()
		ctrlSock.Close()
		zctx.Term()
		return fmt.Errorf("%w: creating SUB socket: %v", ErrConnection, err)
	}
	if err := stateSock.SetSubscribe(stateTopic); err == nil {
		err = stateSock.Connect(fmt.Sprintf("tcp://%s:%d", hostname, port+2))
	}
	if err != nil {
		cmdSock.Close()
		ctrlSock.Close()
		stateSock.Close()
		zctx.Term()
		return fmt.Errorf("%w: connecting state stream: %v", ErrConnection, err)
	}
	stateSock.SetRcvtimeo(500 * time.Millisecond)

	d.ctx = zctx
	d.cmdSock = cmdSock
	d.ctrlSock = ctrlSock
	d.stateSock = stateSock

	// Handshake within the caller's deadline proves the bridge is alive.
	if err := d.handshake(ctx); err != nil {
		d.closeLocked()
		return err
	}

	d.connected = true
	d.running.Store(true)
	d.wg.Add(1)
	go d.stateLoop(stateSock)

	d.logger.Infof("Bridge connected to %s:%d", hostname, port)
	return nil
}

func (d *BridgeDriver) newReqSocket(zctx *zmq.Context, addr string) (*zmq.Socket, error) {
	sock, err := zctx.NewSocket(zmq.REQ)
	if err != nil {
		return nil, fmt.Errorf("%w: creating REQ socket: %v", ErrConnection, err)
	}
	if err := sock.SetLinger(0); err != nil {
		sock.Close()
		return nil, fmt.Errorf("%w: setting linger: %v", ErrConnection, err)
	}
	sock.SetRcvtimeo(d.requestTimeout)
	sock.SetSndtimeo(d.requestTimeout)
	if err := sock.Connect(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("%w: connecting %s: %v", ErrConnection, addr, err)
	}
	return sock, nil
}

func (d *BridgeDriver) handshake(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if ok && time.Until(deadline) < d.requestTimeout {
		d.ctrlSock.SetRcvtimeo(time.Until(deadline))
	}
	_, err := d.request(d.ctrlSock, &d.ctrlMu, MsgTypeHello, nil)
	d.ctrlSock.SetRcvtimeo(d.requestTimeout)
	if err != nil {
		return fmt.Errorf("%w: handshake: %v", ErrConnection, err)
	}
	return nil
}

func (d *BridgeDriver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return nil
	}
	d.closeLocked()
	d.logger.Infof("Bridge disconnected")
	return nil
}

func (d *BridgeDriver) closeLocked() {
	// The state loop wakes on its receive timeout and sees running=false;
	// sockets are only closed after it is gone.
	d.running.Store(false)
	d.connected = false
	d.wg.Wait()
	if d.stateSock != nil {
		d.stateSock.Close()
		d.stateSock = nil
	}
	if d.cmdSock != nil {
		d.cmdSock.Close()
		d.cmdSock = nil
	}
	if d.ctrlSock != nil {
		d.ctrlSock.Close()
		d.ctrlSock = nil
	}
	if d.ctx != nil {
		d.ctx.Term()
		d.ctx = nil
	}
}

func (d *BridgeDriver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *BridgeDriver) Snapshot() (Snapshot, error) {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	if !d.haveState {
		return Snapshot{}, fmt.Errorf("%w: no state received from bridge yet", ErrConnection)
	}
	return d.lastState, nil
}

func (d *BridgeDriver) MoveL(target Pose, speed, accel, blend float64) error {
	_, err := d.command(MsgTypeMoveL, map[string]interface{}{
		"target": target,
		"speed":  speed,
		"accel":  accel,
		"blend":  blend,
	})
	return err
}

func (d *BridgeDriver) MoveJ(target JointVector, speed, accel float64) error {
	_, err := d.command(MsgTypeMoveJ, map[string]interface{}{
		"target": target,
		"speed":  speed,
		"accel":  accel,
	})
	return err
}

func (d *BridgeDriver) ForceDescend(req ForceRequest) error {
	resp, err := d.command(MsgTypeForceMode, map[string]interface{}{
		"target":           req.Target,
		"selection_vector": req.SelectionVector,
		"target_force":     req.TargetForce,
		"limits":           req.Limits,
		"max_duration_ms":  req.MaxDuration.Milliseconds(),
	})
	if err != nil {
		return err
	}
	var result struct {
		Contact bool `json:"contact"`
	}
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &result); err != nil {
			return fmt.Errorf("%w: bad forcemode reply: %v", ErrConnection, err)
		}
	}
	if !result.Contact {
		return fmt.Errorf("%w: no contact within %s", ErrForceControlTimeout, req.MaxDuration)
	}
	return nil
}

func (d *BridgeDriver) SetGripper(engaged bool) error {
	_, err := d.command(MsgTypeGripper, map[string]interface{}{"engaged": engaged})
	return err
}

// Stop goes through the dedicated control socket so it never waits behind a
// motion command in flight on the command socket.
func (d *BridgeDriver) Stop(emergency bool) error {
	d.mu.Lock()
	sock := d.ctrlSock
	d.mu.Unlock()
	if sock == nil {
		return fmt.Errorf("%w: not connected", ErrConnection)
	}
	_, err := d.request(sock, &d.ctrlMu, MsgTypeStop, map[string]interface{}{"emergency": emergency})
	return err
}

func (d *BridgeDriver) command(msgType string, data interface{}) (*bridgeAck, error) {
	d.mu.Lock()
	sock := d.cmdSock
	d.mu.Unlock()
	if sock == nil {
		return nil, fmt.Errorf("%w: not connected", ErrConnection)
	}
	return d.request(sock, &d.cmdMu, msgType, data)
}

// request performs one REQ/REP exchange. REQ sockets are strictly
// send-then-receive, so each socket has its own mutex.
func (d *BridgeDriver) request(sock *zmq.Socket, mu *sync.Mutex, msgType string, data interface{}) (*bridgeAck, error) {
	mu.Lock()
	defer mu.Unlock()

	msg := BridgeMessage{
		Type:      msgType,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		Data:      data,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling %s: %v", ErrMalformed, msgType, err)
	}

	if _, err := sock.SendBytes(payload, 0); err != nil {
		return nil, fmt.Errorf("%w: sending %s: %v", ErrConnection, msgType, err)
	}
	reply, err := sock.RecvBytes(0)
	if err != nil {
		return nil, fmt.Errorf("%w: no reply to %s: %v", ErrConnection, msgType, err)
	}

	var ack bridgeAck
	if err := json.Unmarshal(reply, &ack); err != nil {
		return nil, fmt.Errorf("%w: invalid reply to %s: %v", ErrConnection, msgType, err)
	}
	if ack.Type == MsgTypeError {
		var detail struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(ack.Data, &detail)
		return nil, fmt.Errorf("%w: bridge rejected %s: %s", ErrConnection, msgType, detail.Message)
	}
	return &ack, nil
}

// stateLoop receives the bridge's state stream and caches the latest sample.
func (d *BridgeDriver) stateLoop(sock *zmq.Socket) {
	defer d.wg.Done()

	for d.running.Load() {
		parts, err := sock.RecvMessageBytes(0)
		if err != nil {
			// Receive timeout keeps the loop responsive to shutdown.
			continue
		}
		if len(parts) < 2 {
			continue
		}

		var snap Snapshot
		if err := json.Unmarshal(parts[1], &snap); err != nil {
			d.logger.Warnf("Discarding malformed state message: %v", err)
			continue
		}

		d.stateMu.Lock()
		d.lastState = snap
		d.haveState = true
		d.stateMu.Unlock()
	}
}
