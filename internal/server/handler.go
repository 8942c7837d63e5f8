package server

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/protocol"
)

// session is the per-connection state: an authenticated flag and the
// originating address. It is discarded on close.
type session struct {
	id     string
	remote string
	authed bool
}

func (s *Server) handleConn(conn net.Conn) {
	sess := &session{id: uuid.NewString(), remote: conn.RemoteAddr().String()}
	metrics.ConnOpened()
	logging.Op().Debug("client connected", "session", sess.id, "remote", sess.remote)

	defer func() {
		s.removeConn(conn)
		conn.Close()
		metrics.ConnClosed()
		logging.Op().Debug("client disconnected", "session", sess.id, "remote", sess.remote)
	}()

	for {
		if s.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		body, err := protocol.ReadFrame(conn)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
			case errors.Is(err, protocol.ErrFrameTooLarge):
				logging.Op().Warn("oversized frame, closing", "session", sess.id, "remote", sess.remote)
			default:
				logging.Op().Debug("read error", "session", sess.id, "err", err)
			}
			return
		}

		req, err := protocol.DecodeRequest(body)
		if err != nil {
			resp := protocol.NewResponse(protocol.TypeDataWrong, protocol.StatusFail)
			metrics.RecordRequest(protocol.TypeName(protocol.TypeDataWrong), "fail")
			protocol.WriteFrame(conn, resp)
			return
		}

		resp, closeAfter := s.dispatch(sess, req)

		status := "fail"
		if resp.Status == protocol.StatusSuccess {
			status = "ok"
		}
		metrics.RecordRequest(protocol.TypeName(req.Type), status)

		// The response is fully written before the next request is read.
		if err := protocol.WriteFrame(conn, resp); err != nil {
			logging.Op().Debug("write error", "session", sess.id, "err", err)
			return
		}
		if closeAfter {
			return
		}
	}
}

// dispatch applies one request to the broker state. The second return value
// asks the caller to close the connection after writing the response.
func (s *Server) dispatch(sess *session, req *protocol.Request) (*protocol.Response, bool) {
	if !sess.authed && req.Type != protocol.TypeLogin {
		return protocol.NewResponse(protocol.TypeForbidden, protocol.StatusFail), true
	}

	switch req.Type {
	case protocol.TypeLogin:
		return s.handleLogin(sess, req)
	case protocol.TypeLogout:
		// The session ends regardless of the supplied credentials.
		return protocol.NewResponse(protocol.TypeLogout, protocol.StatusSuccess), true
	case protocol.TypeDeclareQueue:
		return s.handleDeclareQueue(req)
	case protocol.TypeSendDataToQueue:
		return s.handleSend(req)
	case protocol.TypeGetDataFromQueue:
		return s.handleGet(req)
	case protocol.TypeAckMessage:
		return s.handleAck(req)
	case protocol.TypeDeleteQueue:
		return s.handleDeleteQueue(req)
	case protocol.TypeClearQueue:
		return s.handleClearQueue(req)
	case protocol.TypeGetSpeed:
		return s.handleGetSpeed(req)
	case protocol.TypeGetStat:
		return s.handleGetStat()
	case protocol.TypeDeleteAckMessageID:
		return s.handleDeleteAckMessageID(req)
	case protocol.TypeRestoreAckMessageID:
		return s.handleRestoreAckMessageID(req)
	case protocol.TypeRestoreSendMessage:
		return s.handleRestoreSendMessage(req)
	case protocol.TypePing:
		return protocol.NewResponse(protocol.TypePing, protocol.StatusSuccess), false
	}
	return protocol.NewResponse(protocol.TypeNotFound, protocol.StatusFail), true
}

// dataWrong is the response to a request missing a required field.
func dataWrong() (*protocol.Response, bool) {
	return protocol.NewResponse(protocol.TypeDataWrong, protocol.StatusFail), true
}

func (s *Server) handleLogin(sess *session, req *protocol.Request) (*protocol.Response, bool) {
	if req.UserName == "" || req.Passwd == "" {
		return dataWrong()
	}
	if req.UserName != s.cfg.UserName || req.Passwd != s.cfg.Passwd {
		logging.Op().Warn("login rejected", "session", sess.id, "remote", sess.remote, "user", req.UserName)
		return protocol.NewResponse(protocol.TypeLogin, protocol.StatusFail), true
	}
	// A second LOGIN on an authenticated session is idempotent.
	sess.authed = true
	return protocol.NewResponse(protocol.TypeLogin, protocol.StatusSuccess), false
}

func (s *Server) handleDeclareQueue(req *protocol.Request) (*protocol.Response, bool) {
	if req.QueueName == "" {
		return dataWrong()
	}
	if !s.store.Declare(req.QueueName) {
		return protocol.NewResponse(protocol.TypeDeclareQueue, protocol.StatusFail), false
	}
	logging.Op().Info("queue declared", "queue", req.QueueName)
	return protocol.NewResponse(protocol.TypeDeclareQueue, protocol.StatusSuccess), false
}

func (s *Server) handleSend(req *protocol.Request) (*protocol.Response, bool) {
	if req.QueueName == "" || req.MessageData == "" {
		return dataWrong()
	}
	id, ok := s.store.Put(req.QueueName, req.MessageData)
	if !ok {
		return protocol.NewResponse(protocol.TypeSendDataToQueue, protocol.StatusFail), false
	}
	if s.sendLog != nil {
		s.sendLog.MessageAccepted(id, req.QueueName, req.MessageData, time.Now().Unix())
	}
	metrics.RecordMessage("sent")
	s.updateQueueGauges(req.QueueName)
	return protocol.NewResponse(protocol.TypeSendDataToQueue, protocol.StatusSuccess), false
}

func (s *Server) handleGet(req *protocol.Request) (*protocol.Response, bool) {
	if req.QueueName == "" {
		return dataWrong()
	}
	m, ok := s.store.Pop(req.QueueName)
	if !ok {
		resp := protocol.NewResponse(protocol.TypeGetDataFromQueue, protocol.StatusFail)
		resp.Append(nil)
		return resp, false
	}
	if s.ackLog != nil {
		s.ackLog.DeliveryIssued(m.ID, req.QueueName, m.Data, time.Now().Unix())
	}
	if s.sendLog != nil {
		s.sendLog.MessageDelivered(m.ID)
	}
	metrics.RecordMessage("fetched")
	s.updateQueueGauges(req.QueueName)
	resp := protocol.NewResponse(protocol.TypeGetDataFromQueue, protocol.StatusSuccess)
	resp.Append(protocol.Task{MessageID: m.ID, MessageData: m.Data})
	return resp, false
}

func (s *Server) handleAck(req *protocol.Request) (*protocol.Response, bool) {
	if req.QueueName == "" || req.MessageID == "" {
		return dataWrong()
	}
	if !s.store.Ack(req.QueueName, req.MessageID) {
		return protocol.NewResponse(protocol.TypeAckMessage, protocol.StatusFail), false
	}
	if s.ackLog != nil {
		s.ackLog.DeliveryAcked(req.MessageID)
	}
	metrics.RecordMessage("acked")
	s.updateQueueGauges(req.QueueName)
	return protocol.NewResponse(protocol.TypeAckMessage, protocol.StatusSuccess), false
}

func (s *Server) handleDeleteQueue(req *protocol.Request) (*protocol.Response, bool) {
	if req.QueueName == "" {
		return dataWrong()
	}
	if !s.store.Delete(req.QueueName) {
		return protocol.NewResponse(protocol.TypeDeleteQueue, protocol.StatusFail), false
	}
	if s.sendLog != nil {
		s.sendLog.QueuePurged(req.QueueName)
	}
	if s.ackLog != nil {
		s.ackLog.QueuePurged(req.QueueName)
	}
	metrics.DropQueueGauges(req.QueueName)
	logging.Op().Info("queue deleted", "queue", req.QueueName)
	return protocol.NewResponse(protocol.TypeDeleteQueue, protocol.StatusSuccess), false
}

func (s *Server) handleClearQueue(req *protocol.Request) (*protocol.Response, bool) {
	if req.QueueName == "" {
		return dataWrong()
	}
	if !s.store.Clear(req.QueueName) {
		return protocol.NewResponse(protocol.TypeClearQueue, protocol.StatusFail), false
	}
	// The cleared messages no longer exist in memory, so their journal rows
	// must go too, or they would be resurrected on the next restart.
	if s.sendLog != nil {
		s.sendLog.QueuePurged(req.QueueName)
	}
	if s.ackLog != nil {
		s.ackLog.QueuePurged(req.QueueName)
	}
	s.updateQueueGauges(req.QueueName)
	logging.Op().Info("queue cleared", "queue", req.QueueName)
	return protocol.NewResponse(protocol.TypeClearQueue, protocol.StatusSuccess), false
}

func (s *Server) handleGetSpeed(req *protocol.Request) (*protocol.Response, bool) {
	if req.QueueName == "" {
		return dataWrong()
	}
	speed, ok := s.store.Speed(req.QueueName)
	if !ok {
		return protocol.NewResponse(protocol.TypeGetSpeed, protocol.StatusFail), false
	}
	resp := protocol.NewResponse(protocol.TypeGetSpeed, protocol.StatusSuccess)
	resp.Append(map[string]float64{
		"send_" + req.QueueName: speed.Send,
		"get_" + req.QueueName:  speed.Get,
		"ack_" + req.QueueName:  speed.Ack,
	})
	return resp, false
}

func (s *Server) handleGetStat() (*protocol.Response, bool) {
	snapshot := s.store.Stat()
	stat := protocol.Stat{
		QueueInfor:   make(map[string][2]int64, len(snapshot)),
		SpeedInfor:   make(map[string]float64, len(snapshot)*3),
		TaskAckInfor: make(map[string][2]int64, len(snapshot)),
	}
	for name, qs := range snapshot {
		stat.QueueInfor[name] = [2]int64{int64(qs.Depth), qs.QueueBytes}
		stat.TaskAckInfor[name] = [2]int64{int64(qs.Inflight), qs.AckBytes}
		stat.SpeedInfor["send_"+name] = qs.Speed.Send
		stat.SpeedInfor["get_"+name] = qs.Speed.Get
		stat.SpeedInfor["ack_"+name] = qs.Speed.Ack
		metrics.SetQueueGauges(name, qs.Depth, qs.Inflight)
	}
	resp := protocol.NewResponse(protocol.TypeGetStat, protocol.StatusSuccess)
	resp.Append(stat)
	return resp, false
}

func (s *Server) handleDeleteAckMessageID(req *protocol.Request) (*protocol.Response, bool) {
	if req.QueueName == "" || req.MessageID == "" {
		return dataWrong()
	}
	if !s.store.Drop(req.QueueName, req.MessageID) {
		return protocol.NewResponse(protocol.TypeDeleteAckMessageID, protocol.StatusFail), false
	}
	if s.ackLog != nil {
		s.ackLog.DeliveryDropped(req.MessageID)
	}
	metrics.RecordMessage("dropped")
	s.updateQueueGauges(req.QueueName)
	return protocol.NewResponse(protocol.TypeDeleteAckMessageID, protocol.StatusSuccess), false
}

func (s *Server) handleRestoreAckMessageID(req *protocol.Request) (*protocol.Response, bool) {
	if req.QueueName == "" || req.MessageID == "" {
		return dataWrong()
	}
	if !s.store.RestoreInflight(req.QueueName, req.MessageID) {
		return protocol.NewResponse(protocol.TypeRestoreAckMessageID, protocol.StatusFail), false
	}
	return protocol.NewResponse(protocol.TypeRestoreAckMessageID, protocol.StatusSuccess), false
}

func (s *Server) handleRestoreSendMessage(req *protocol.Request) (*protocol.Response, bool) {
	if req.QueueName == "" || req.MessageID == "" || req.MessageData == "" {
		return dataWrong()
	}
	// The row being replayed is already journalled, so no send-log event is
	// emitted here.
	if !s.store.Restore(req.QueueName, req.MessageID, req.MessageData) {
		return protocol.NewResponse(protocol.TypeRestoreSendMessage, protocol.StatusFail), false
	}
	return protocol.NewResponse(protocol.TypeRestoreSendMessage, protocol.StatusSuccess), false
}

func (s *Server) updateQueueGauges(queue string) {
	depth, ok := s.store.Depth(queue)
	if !ok {
		return
	}
	inflight, _ := s.store.InflightCount(queue)
	metrics.SetQueueGauges(queue, depth, inflight)
}
