package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/adred-codev/opcua-server/internal/addrspace"
	"github.com/adred-codev/opcua-server/internal/audit"
	"github.com/adred-codev/opcua-server/internal/config"
	"github.com/adred-codev/opcua-server/internal/cryptopolicy"
	"github.com/adred-codev/opcua-server/internal/dispatcher"
	"github.com/adred-codev/opcua-server/internal/metrics"
	"github.com/adred-codev/opcua-server/internal/monitoreditem"
	"github.com/adred-codev/opcua-server/internal/session"
	"github.com/adred-codev/opcua-server/internal/shard"
	"github.com/adred-codev/opcua-server/internal/subscription"
	"github.com/adred-codev/opcua-server/internal/ua"
)

// services bundles every collaborator a service handler closure needs,
// so registerHandlers can build all ~15 without repeating the same
// argument list on every Register call.
type services struct {
	sessions *session.Manager
	shards   *shard.Registry
	space    *addrspace.Space
	policy   cryptopolicy.Policy
	cfg      config.Config
	metrics  *metrics.Registry
	logger   *zap.Logger
	audit    *audit.Logger
}

// registerHandlers installs one Handler per service TypeID named in
// SPEC_FULL.md §4.C-F. Grounded on src/server.go's handleClientMessage
// switch, generalized into a table per dispatcher.go's Design Note.
func registerHandlers(table *dispatcher.Table, svc *services) {
	table.Register(ua.TypeIDGetEndpointsRequest, svc.getEndpoints)
	table.Register(ua.TypeIDCreateSessionRequest, svc.createSession)
	table.Register(ua.TypeIDActivateSessionRequest, svc.activateSession)
	table.Register(ua.TypeIDCloseSessionRequest, svc.closeSession)

	table.Register(ua.TypeIDCreateSubscriptionRequest, svc.createSubscription)
	table.Register(ua.TypeIDModifySubscriptionRequest, svc.modifySubscription)
	table.Register(ua.TypeIDDeleteSubscriptionsRequest, svc.deleteSubscriptions)
	table.Register(ua.TypeIDSetPublishingModeRequest, svc.setPublishingMode)
	table.Register(ua.TypeIDPublishRequest, svc.publish)
	table.Register(ua.TypeIDRepublishRequest, svc.republish)

	table.Register(ua.TypeIDCreateMonitoredItemsRequest, svc.createMonitoredItems)
	table.Register(ua.TypeIDModifyMonitoredItemsRequest, svc.modifyMonitoredItems)
	table.Register(ua.TypeIDDeleteMonitoredItemsRequest, svc.deleteMonitoredItems)

	table.Register(ua.TypeIDReadRequest, svc.read)
	table.Register(ua.TypeIDWriteRequest, svc.write)
	table.Register(ua.TypeIDBrowseRequest, svc.browse)
}

func respHeader(result ua.StatusCode) ua.ResponseHeader {
	return ua.ResponseHeader{Timestamp: time.Now(), ServiceResult: result}
}

func (svc *services) getEndpoints(ctx context.Context, sess *session.Session, req dispatcher.Request) (dispatcher.Response, error) {
	body := ua.EncodeGetEndpointsResponse(ua.GetEndpointsResponse{
		EndpointURL:    svc.cfg.Server.ListenAddr,
		SecurityPolicy: string(svc.policy.URI()),
	})
	return dispatcher.Response{TypeID: ua.TypeIDGetEndpointsResponse, Header: respHeader(ua.StatusOK), Body: body}, nil
}

func (svc *services) createSession(ctx context.Context, sess *session.Session, req dispatcher.Request) (dispatcher.Response, error) {
	creq, err := ua.DecodeCreateSessionRequest(req.Body)
	if err != nil {
		return dispatcher.Response{}, err
	}

	timeout := time.Duration(creq.RequestedSessionTimeout) * time.Millisecond
	s, nonce, err := svc.sessions.CreateSession(timeout, svc.policy, time.Now())
	if err != nil {
		return dispatcher.Response{}, err
	}

	sh, ok := svc.shards.ShardFor(req.ChannelID)
	if !ok {
		return dispatcher.Response{}, errors.Wrap(ua.StatusBadSecureChannelIDInvalid, "opcua-serverd: createSession: no shard owns channel")
	}
	sh.RegisterSession(s, subscription.NewEngine(s.ID))
	svc.shards.AssignSession(s.ID, sh)
	svc.metrics.SessionsCreated.Inc()
	svc.metrics.SessionsActive.Inc()
	svc.audit.WithSession(s.ID).Info("session_created", "CreateSession accepted", map[string]interface{}{
		"channel_id": req.ChannelID,
		"timeout_ms": float64(s.Timeout / time.Millisecond),
	})

	body := ua.EncodeCreateSessionResponse(ua.CreateSessionResponse{
		SessionID:             s.ID,
		AuthenticationToken:   s.AuthenticationToken,
		RevisedSessionTimeout: float64(s.Timeout / time.Millisecond),
		ServerNonce:           nonce,
	})
	return dispatcher.Response{TypeID: ua.TypeIDCreateSessionResponse, Header: respHeader(ua.StatusOK), Body: body}, nil
}

func (svc *services) activateSession(ctx context.Context, sess *session.Session, req dispatcher.Request) (dispatcher.Response, error) {
	areq, err := ua.DecodeActivateSessionRequest(req.Body)
	if err != nil {
		return dispatcher.Response{}, err
	}

	// The first ActivateSession right after CreateSession carries the
	// new session's id and has no AuthenticationToken-bound Session yet
	// (dispatcher's sessionExempt path only binds when one already
	// matches); a later re-activation arrives with sess already bound.
	sessionID := areq.SessionID
	if sess != nil {
		sessionID = sess.ID
	}

	_, nonce, err := svc.sessions.ActivateSession(sessionID, req.Header.AuthenticationToken, ua.UserTokenType(areq.UserTokenType), areq.TokenBody, req.ChannelID, svc.policy)
	if err != nil {
		return dispatcher.Response{}, err
	}

	body := ua.EncodeActivateSessionResponse(ua.ActivateSessionResponse{ServerNonce: nonce})
	return dispatcher.Response{TypeID: ua.TypeIDActivateSessionResponse, Header: respHeader(ua.StatusOK), Body: body}, nil
}

func (svc *services) closeSession(ctx context.Context, sess *session.Session, req dispatcher.Request) (dispatcher.Response, error) {
	if sess == nil {
		return dispatcher.Response{}, ua.StatusBadSessionIDInvalid
	}
	if _, err := ua.DecodeCloseSessionRequest(req.Body); err != nil {
		return dispatcher.Response{}, err
	}

	if _, err := svc.sessions.CloseSession(sess.ID); err != nil {
		return dispatcher.Response{}, err
	}
	if sh, ok := svc.shards.ShardForSession(sess.ID); ok {
		sh.UnregisterSession(sess.ID)
	}
	svc.shards.ReleaseSession(sess.ID)
	svc.metrics.SessionsActive.Dec()
	svc.audit.WithSession(sess.ID).Info("session_closed", "CloseSession accepted", nil)

	return dispatcher.Response{TypeID: ua.TypeIDCloseSessionResponse, Header: respHeader(ua.StatusOK)}, nil
}

// withEngine resolves the shard owning sess and runs fn against its
// subscription.Engine via Exec, the single point where a service handler
// is allowed to mutate engine state outside the shard's own goroutine.
func withEngine(shards *shard.Registry, sess *session.Session, fn func(*subscription.Engine) (interface{}, error)) (interface{}, error) {
	if sess == nil {
		return nil, ua.StatusBadSessionIDInvalid
	}
	sh, ok := shards.ShardForSession(sess.ID)
	if !ok {
		return nil, ua.StatusBadSessionIDInvalid
	}
	return sh.Exec(sess.ID, fn)
}

func (svc *services) createSubscription(ctx context.Context, sess *session.Session, req dispatcher.Request) (dispatcher.Response, error) {
	creq, err := ua.DecodeCreateSubscriptionRequest(req.Body)
	if err != nil {
		return dispatcher.Response{}, err
	}

	requestedInterval := time.Duration(creq.RequestedPublishingInterval) * time.Millisecond
	result, err := withEngine(svc.shards, sess, func(engine *subscription.Engine) (interface{}, error) {
		sub := engine.CreateSubscription(requestedInterval, creq.RequestedMaxKeepAliveCount, creq.RequestedLifetimeCount, creq.PublishingEnabled)
		return sub, nil
	})
	if err != nil {
		return dispatcher.Response{}, err
	}
	sub := result.(*subscription.Subscription)
	sess.AddSubscription(sub.ID)
	svc.metrics.SubscriptionsActive.Inc()

	body := ua.EncodeCreateSubscriptionResponse(ua.CreateSubscriptionResponse{
		SubscriptionID:            sub.ID,
		RevisedPublishingInterval: float64(sub.PublishingInterval / time.Millisecond),
		RevisedMaxKeepAliveCount:  sub.MaxKeepAliveCount,
		RevisedLifetimeCount:      sub.LifetimeCount,
	})
	return dispatcher.Response{TypeID: ua.TypeIDCreateSubscriptionResponse, Header: respHeader(ua.StatusOK), Body: body}, nil
}

func (svc *services) modifySubscription(ctx context.Context, sess *session.Session, req dispatcher.Request) (dispatcher.Response, error) {
	mreq, err := ua.DecodeModifySubscriptionRequest(req.Body)
	if err != nil {
		return dispatcher.Response{}, err
	}

	requestedInterval := time.Duration(mreq.RequestedPublishingInterval) * time.Millisecond
	result, err := withEngine(svc.shards, sess, func(engine *subscription.Engine) (interface{}, error) {
		sub, err := engine.Get(mreq.SubscriptionID)
		if err != nil {
			return nil, err
		}
		sub.Modify(requestedInterval, mreq.RequestedMaxKeepAliveCount, mreq.RequestedLifetimeCount)
		return sub, nil
	})
	if err != nil {
		return dispatcher.Response{}, err
	}
	sub := result.(*subscription.Subscription)

	body := ua.EncodeModifySubscriptionResponse(ua.ModifySubscriptionResponse{
		RevisedPublishingInterval: float64(sub.PublishingInterval / time.Millisecond),
		RevisedMaxKeepAliveCount:  sub.MaxKeepAliveCount,
		RevisedLifetimeCount:      sub.LifetimeCount,
	})
	return dispatcher.Response{TypeID: ua.TypeIDModifySubscriptionResponse, Header: respHeader(ua.StatusOK), Body: body}, nil
}

func (svc *services) deleteSubscriptions(ctx context.Context, sess *session.Session, req dispatcher.Request) (dispatcher.Response, error) {
	dreq, err := ua.DecodeDeleteSubscriptionsRequest(req.Body)
	if err != nil {
		return dispatcher.Response{}, err
	}

	result, err := withEngine(svc.shards, sess, func(engine *subscription.Engine) (interface{}, error) {
		results := make([]ua.StatusCode, len(dreq.SubscriptionIDs))
		for i, id := range dreq.SubscriptionIDs {
			if err := engine.Delete(id); err != nil {
				results[i] = errors.Cause(err).(ua.StatusCode)
				continue
			}
			results[i] = ua.StatusOK
		}
		return results, nil
	})
	if err != nil {
		return dispatcher.Response{}, err
	}
	results := result.([]ua.StatusCode)
	for i, id := range dreq.SubscriptionIDs {
		if results[i] == ua.StatusOK {
			sess.RemoveSubscription(id)
			svc.metrics.SubscriptionsActive.Dec()
		}
	}

	body := ua.EncodeDeleteSubscriptionsResponse(ua.DeleteSubscriptionsResponse{Results: results})
	return dispatcher.Response{TypeID: ua.TypeIDDeleteSubscriptionsResponse, Header: respHeader(ua.StatusOK), Body: body}, nil
}

func (svc *services) setPublishingMode(ctx context.Context, sess *session.Session, req dispatcher.Request) (dispatcher.Response, error) {
	sreq, err := ua.DecodeSetPublishingModeRequest(req.Body)
	if err != nil {
		return dispatcher.Response{}, err
	}

	result, err := withEngine(svc.shards, sess, func(engine *subscription.Engine) (interface{}, error) {
		results := make([]ua.StatusCode, len(sreq.SubscriptionIDs))
		for i, id := range sreq.SubscriptionIDs {
			sub, err := engine.Get(id)
			if err != nil {
				results[i] = errors.Cause(err).(ua.StatusCode)
				continue
			}
			sub.SetPublishingMode(sreq.PublishingEnabled)
			results[i] = ua.StatusOK
		}
		return results, nil
	})
	if err != nil {
		return dispatcher.Response{}, err
	}

	body := ua.EncodeSetPublishingModeResponse(ua.SetPublishingModeResponse{Results: result.([]ua.StatusCode)})
	return dispatcher.Response{TypeID: ua.TypeIDSetPublishingModeResponse, Header: respHeader(ua.StatusOK), Body: body}, nil
}

// publish implements the Publish service by queueing the request's token
// and immediately asking the owning shard to run one publish cycle, per
// spec.md §4.E ("a Publish request either consumes an already-pending
// notification or arms a token for the next cycle").
func (svc *services) publish(ctx context.Context, sess *session.Session, req dispatcher.Request) (dispatcher.Response, error) {
	preq, err := ua.DecodePublishRequest(req.Body)
	if err != nil {
		return dispatcher.Response{}, err
	}

	if sess == nil {
		return dispatcher.Response{}, ua.StatusBadSessionIDInvalid
	}
	sh, ok := svc.shards.ShardForSession(sess.ID)
	if !ok {
		return dispatcher.Response{}, ua.StatusBadSessionIDInvalid
	}

	if _, err := sh.Exec(sess.ID, func(engine *subscription.Engine) (interface{}, error) {
		for _, ack := range preq.SubscriptionAcknowledgements {
			engine.Ack(ack.SubscriptionID, ack.SequenceNumber)
		}
		engine.QueuePublish(req.Header.RequestHandle)
		return nil, nil
	}); err != nil {
		return dispatcher.Response{}, err
	}

	published := sh.PublishNow(sess.ID)
	if len(published) == 0 {
		body := ua.EncodePublishResponse(ua.PublishResponse{})
		return dispatcher.Response{TypeID: ua.TypeIDPublishResponse, Header: respHeader(ua.StatusOK), Body: body}, nil
	}

	p := published[0]
	svc.metrics.NotificationsSent.Inc()
	if len(p.Message.DataChangeNotifications) == 0 && len(p.Message.EventNotifications) == 0 {
		svc.metrics.KeepAlivesSent.Inc()
	}
	body := ua.EncodePublishResponse(ua.PublishResponse{
		SubscriptionID:    p.SubscriptionID,
		MoreNotifications: p.MoreNotifications,
		SequenceNumber:    p.Message.SequenceNumber,
		DataChangeCount:   uint32(len(p.Message.DataChangeNotifications)),
		EventCount:        uint32(len(p.Message.EventNotifications)),
	})
	resp := dispatcher.Response{TypeID: ua.TypeIDPublishResponse, Header: respHeader(ua.StatusOK), Body: body}
	resp.Header.RequestHandle = p.RequestHandle
	return resp, nil
}

func (svc *services) republish(ctx context.Context, sess *session.Session, req dispatcher.Request) (dispatcher.Response, error) {
	rreq, err := ua.DecodeRepublishRequest(req.Body)
	if err != nil {
		return dispatcher.Response{}, err
	}

	result, err := withEngine(svc.shards, sess, func(engine *subscription.Engine) (interface{}, error) {
		msg, err := engine.Republish(rreq.SubscriptionID, rreq.SequenceNumber)
		if err != nil {
			return nil, err
		}
		return msg, nil
	})
	if err != nil {
		svc.metrics.RepublishMisses.Inc()
		return dispatcher.Response{}, err
	}
	msg := result.(subscription.NotificationMessage)

	body := ua.EncodePublishResponse(ua.PublishResponse{
		SubscriptionID:  rreq.SubscriptionID,
		SequenceNumber:  msg.SequenceNumber,
		DataChangeCount: uint32(len(msg.DataChangeNotifications)),
		EventCount:      uint32(len(msg.EventNotifications)),
	})
	return dispatcher.Response{TypeID: ua.TypeIDRepublishResponse, Header: respHeader(ua.StatusOK), Body: body}, nil
}

func (svc *services) createMonitoredItems(ctx context.Context, sess *session.Session, req dispatcher.Request) (dispatcher.Response, error) {
	creq, err := ua.DecodeCreateMonitoredItemsRequest(req.Body)
	if err != nil {
		return dispatcher.Response{}, err
	}

	result, err := withEngine(svc.shards, sess, func(engine *subscription.Engine) (interface{}, error) {
		sub, err := engine.Get(creq.SubscriptionID)
		if err != nil {
			return nil, err
		}
		results := make([]ua.MonitoredItemCreateResult, len(creq.ItemsToCreate))
		for i, item := range creq.ItemsToCreate {
			filter := monitoreditem.DataChangeFilter{
				Trigger:       ua.TriggerStatusValue,
				Deadband:      item.DeadbandType,
				DeadbandValue: item.DeadbandValue,
			}
			interval := time.Duration(item.SamplingInterval) * time.Millisecond
			it := sub.Items.Create(sub.ID, item.ClientHandle, item.ItemToMonitor, interval, item.QueueSize, boolToDiscard(item.DiscardOldest), filter)
			it.SetMode(item.Mode)
			results[i] = ua.MonitoredItemCreateResult{
				StatusCode:              ua.StatusOK,
				MonitoredItemID:         it.ID,
				RevisedSamplingInterval: float64(it.SamplingInterval / time.Millisecond),
				RevisedQueueSize:        it.QueueSize,
			}
		}
		return results, nil
	})
	if err != nil {
		return dispatcher.Response{}, err
	}
	results := result.([]ua.MonitoredItemCreateResult)
	svc.metrics.MonitoredItemsActive.Add(float64(len(results)))

	body := ua.EncodeCreateMonitoredItemsResponse(ua.CreateMonitoredItemsResponse{Results: results})
	return dispatcher.Response{TypeID: ua.TypeIDCreateMonitoredItemsResponse, Header: respHeader(ua.StatusOK), Body: body}, nil
}

func boolToDiscard(discardOldest bool) ua.DiscardPolicy {
	if discardOldest {
		return ua.DiscardOldest
	}
	return ua.DiscardNewest
}

func (svc *services) modifyMonitoredItems(ctx context.Context, sess *session.Session, req dispatcher.Request) (dispatcher.Response, error) {
	mreq, err := ua.DecodeModifyMonitoredItemsRequest(req.Body)
	if err != nil {
		return dispatcher.Response{}, err
	}

	result, err := withEngine(svc.shards, sess, func(engine *subscription.Engine) (interface{}, error) {
		sub, err := engine.Get(mreq.SubscriptionID)
		if err != nil {
			return nil, err
		}
		results := make([]ua.MonitoredItemModifyResult, len(mreq.ItemsToModify))
		for i, mod := range mreq.ItemsToModify {
			it, err := sub.Items.Get(mod.MonitoredItemID)
			if err != nil {
				results[i] = ua.MonitoredItemModifyResult{StatusCode: errors.Cause(err).(ua.StatusCode)}
				continue
			}
			filter := monitoreditem.DataChangeFilter{Trigger: ua.TriggerStatusValue, Deadband: mod.DeadbandType, DeadbandValue: mod.DeadbandValue}
			interval := time.Duration(mod.SamplingInterval) * time.Millisecond
			it.Modify(interval, mod.QueueSize, it.Discard, filter)
			results[i] = ua.MonitoredItemModifyResult{
				StatusCode:              ua.StatusOK,
				RevisedSamplingInterval: float64(it.SamplingInterval / time.Millisecond),
				RevisedQueueSize:        it.QueueSize,
			}
		}
		return results, nil
	})
	if err != nil {
		return dispatcher.Response{}, err
	}

	body := ua.EncodeModifyMonitoredItemsResponse(ua.ModifyMonitoredItemsResponse{Results: result.([]ua.MonitoredItemModifyResult)})
	return dispatcher.Response{TypeID: ua.TypeIDModifyMonitoredItemsResponse, Header: respHeader(ua.StatusOK), Body: body}, nil
}

func (svc *services) deleteMonitoredItems(ctx context.Context, sess *session.Session, req dispatcher.Request) (dispatcher.Response, error) {
	dreq, err := ua.DecodeDeleteMonitoredItemsRequest(req.Body)
	if err != nil {
		return dispatcher.Response{}, err
	}

	result, err := withEngine(svc.shards, sess, func(engine *subscription.Engine) (interface{}, error) {
		sub, err := engine.Get(dreq.SubscriptionID)
		if err != nil {
			return nil, err
		}
		results := make([]ua.StatusCode, len(dreq.MonitoredItemIDs))
		for i, id := range dreq.MonitoredItemIDs {
			if err := sub.Items.Delete(id); err != nil {
				results[i] = errors.Cause(err).(ua.StatusCode)
				continue
			}
			results[i] = ua.StatusOK
		}
		return results, nil
	})
	if err != nil {
		return dispatcher.Response{}, err
	}
	results := result.([]ua.StatusCode)
	for _, r := range results {
		if r == ua.StatusOK {
			svc.metrics.MonitoredItemsActive.Dec()
		}
	}

	body := ua.EncodeDeleteMonitoredItemsResponse(ua.DeleteMonitoredItemsResponse{Results: results})
	return dispatcher.Response{TypeID: ua.TypeIDDeleteMonitoredItemsResponse, Header: respHeader(ua.StatusOK), Body: body}, nil
}

func (svc *services) read(ctx context.Context, sess *session.Session, req dispatcher.Request) (dispatcher.Response, error) {
	rreq, err := ua.DecodeReadRequest(req.Body)
	if err != nil {
		return dispatcher.Response{}, err
	}

	results := make([]ua.DataValue, len(rreq.NodesToRead))
	for i, rv := range rreq.NodesToRead {
		if rv.NodeID == nil {
			results[i] = ua.DataValue{Status: ua.StatusBadRequestHeaderInvalid}
			continue
		}
		v, ok := svc.space.Read(rv.NodeID.String())
		if !ok {
			results[i] = ua.DataValue{Status: ua.StatusBadSessionIDInvalid}
			continue
		}
		results[i] = v
	}

	body := ua.EncodeReadResponse(ua.ReadResponse{Results: results})
	return dispatcher.Response{TypeID: ua.TypeIDReadResponse, Header: respHeader(ua.StatusOK), Body: body}, nil
}

func (svc *services) write(ctx context.Context, sess *session.Session, req dispatcher.Request) (dispatcher.Response, error) {
	wreq, err := ua.DecodeWriteRequest(req.Body)
	if err != nil {
		return dispatcher.Response{}, err
	}

	results := make([]ua.StatusCode, len(wreq.NodesToWrite))
	for i, wv := range wreq.NodesToWrite {
		if wv.NodeID.NodeID == nil {
			results[i] = ua.StatusBadRequestHeaderInvalid
			continue
		}
		svc.space.Write(wv.NodeID.NodeID.String(), wv.Value)
		results[i] = ua.StatusOK
	}

	body := ua.EncodeWriteResponse(ua.WriteResponse{Results: results})
	return dispatcher.Response{TypeID: ua.TypeIDWriteResponse, Header: respHeader(ua.StatusOK), Body: body}, nil
}

func (svc *services) browse(ctx context.Context, sess *session.Session, req dispatcher.Request) (dispatcher.Response, error) {
	if _, err := ua.DecodeBrowseRequest(req.Body); err != nil {
		return dispatcher.Response{}, err
	}

	body := ua.EncodeBrowseResponse(ua.BrowseResponse{NodeIDs: svc.space.Snapshot()})
	return dispatcher.Response{TypeID: ua.TypeIDBrowseResponse, Header: respHeader(ua.StatusOK), Body: body}, nil
}
