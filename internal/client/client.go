// Package client implements the framed wire protocol from the client side.
// The broker's own sidecar workers use it for journal replay and redelivery;
// tests use it as an ordinary consumer.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/oriys/quasar/internal/protocol"
)

// DefaultTimeout bounds one request/response exchange.
const DefaultTimeout = 10 * time.Second

// Client is a single connection to the broker. Requests are serialized per
// connection: one frame out, one frame back.
type Client struct {
	conn    net.Conn
	timeout time.Duration
}

// Dial connects to the broker at addr.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	return &Client{conn: conn, timeout: timeout}, nil
}

// Close closes the connection without a LOGOUT exchange.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) do(req *protocol.Request) (*protocol.Response, error) {
	deadline := time.Now().Add(c.timeout)
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if err := protocol.WriteFrame(c.conn, req); err != nil {
		return nil, err
	}
	body, err := protocol.ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}
	var resp protocol.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// ErrFail reports a request the broker answered with status 0.
var ErrFail = errors.New("client: request failed")

// doOK runs the request and folds a FAIL status into ErrFail.
func (c *Client) doOK(req *protocol.Request) (*protocol.Response, error) {
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if resp.Status != protocol.StatusSuccess {
		return resp, fmt.Errorf("%w: %s", ErrFail, protocol.TypeName(req.Type))
	}
	return resp, nil
}

// Login authenticates the connection. Every other request fails until it
// succeeds.
func (c *Client) Login(user, passwd string) error {
	_, err := c.doOK(&protocol.Request{Type: protocol.TypeLogin, UserName: user, Passwd: passwd})
	return err
}

// Logout tells the broker to close the session. The broker closes the
// connection after responding.
func (c *Client) Logout(user, passwd string) error {
	_, err := c.doOK(&protocol.Request{Type: protocol.TypeLogout, UserName: user, Passwd: passwd})
	return err
}

// Ping checks broker liveness.
func (c *Client) Ping() error {
	_, err := c.doOK(&protocol.Request{Type: protocol.TypePing})
	return err
}

// DeclareQueue creates a queue. Declaring an existing queue returns ErrFail.
func (c *Client) DeclareQueue(queue string) error {
	_, err := c.doOK(&protocol.Request{Type: protocol.TypeDeclareQueue, QueueName: queue})
	return err
}

// DeleteQueue removes a queue and everything it holds.
func (c *Client) DeleteQueue(queue string) error {
	_, err := c.doOK(&protocol.Request{Type: protocol.TypeDeleteQueue, QueueName: queue})
	return err
}

// ClearQueue empties a queue but keeps it declared.
func (c *Client) ClearQueue(queue string) error {
	_, err := c.doOK(&protocol.Request{Type: protocol.TypeClearQueue, QueueName: queue})
	return err
}

// SendDataToQueue enqueues a payload.
func (c *Client) SendDataToQueue(queue, data string) error {
	_, err := c.doOK(&protocol.Request{Type: protocol.TypeSendDataToQueue, QueueName: queue, MessageData: data})
	return err
}

// GetDataFromQueue pops the queue head. ok is false when the queue is empty
// or unknown.
func (c *Client) GetDataFromQueue(queue string) (protocol.Task, bool, error) {
	resp, err := c.do(&protocol.Request{Type: protocol.TypeGetDataFromQueue, QueueName: queue})
	if err != nil {
		return protocol.Task{}, false, err
	}
	if resp.Status != protocol.StatusSuccess {
		return protocol.Task{}, false, nil
	}
	task, ok := resp.FirstTask()
	return task, ok, nil
}

// AckMessage acknowledges a delivered message.
func (c *Client) AckMessage(queue, id string) error {
	_, err := c.doOK(&protocol.Request{Type: protocol.TypeAckMessage, QueueName: queue, MessageID: id})
	return err
}

// DeleteAckMessageID drops an in-flight entry without counting an
// acknowledgement. Used by the redelivery worker after re-injection.
func (c *Client) DeleteAckMessageID(queue, id string) error {
	_, err := c.doOK(&protocol.Request{Type: protocol.TypeDeleteAckMessageID, QueueName: queue, MessageID: id})
	return err
}

// RestoreAckMessageID re-creates an in-flight entry during ack-journal
// replay. The queue must already be declared.
func (c *Client) RestoreAckMessageID(queue, id string) error {
	_, err := c.doOK(&protocol.Request{Type: protocol.TypeRestoreAckMessageID, QueueName: queue, MessageID: id})
	return err
}

// RestoreSendMessage re-enqueues a journalled message preserving its
// original identifier.
func (c *Client) RestoreSendMessage(queue, id, data string) error {
	_, err := c.doOK(&protocol.Request{
		Type:        protocol.TypeRestoreSendMessage,
		QueueName:   queue,
		MessageID:   id,
		MessageData: data,
	})
	return err
}

// GetSpeed returns the queue's current send/get/ack rates keyed by
// "send_<queue>", "get_<queue>", "ack_<queue>".
func (c *Client) GetSpeed(queue string) (map[string]float64, error) {
	resp, err := c.doOK(&protocol.Request{Type: protocol.TypeGetSpeed, QueueName: queue})
	if err != nil {
		return nil, err
	}
	if len(resp.JSONObj) == 0 {
		return nil, fmt.Errorf("get_speed: empty response")
	}
	var out map[string]float64
	if err := json.Unmarshal(resp.JSONObj[0], &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetStat returns the broker-wide statistics snapshot.
func (c *Client) GetStat() (protocol.Stat, error) {
	resp, err := c.doOK(&protocol.Request{Type: protocol.TypeGetStat})
	if err != nil {
		return protocol.Stat{}, err
	}
	stat, ok := resp.FirstStat()
	if !ok {
		return protocol.Stat{}, fmt.Errorf("get_stat: malformed response")
	}
	return stat, nil
}
