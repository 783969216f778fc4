package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/austindbirch/hookrelay/internal/ingest"
	"github.com/austindbirch/hookrelay/internal/store"
)

type ingestResponse struct {
	DeliveryID string `json:"delivery_id,omitempty"`
	Status     string `json:"status"`
}

// subscriptionRequest is the body of create and update. Update replaces every field.
type subscriptionRequest struct {
	TargetURL  string   `json:"target_url"`
	Secret     string   `json:"secret"`
	EventTypes []string `json:"event_types"`
}

func (req subscriptionRequest) toSubscription() (store.Subscription, error) {
	target := strings.TrimSpace(req.TargetURL)
	if target == "" {
		return store.Subscription{}, invalidSubscriptionError("target_url is required")
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return store.Subscription{}, invalidSubscriptionError("target_url must be an absolute http(s) URL")
	}

	var types []string
	seen := make(map[string]bool, len(req.EventTypes))
	for _, et := range req.EventTypes {
		et = strings.TrimSpace(et)
		if et == "" {
			return store.Subscription{}, invalidSubscriptionError("event_types must not contain empty labels")
		}
		if !seen[et] {
			seen[et] = true
			types = append(types, et)
		}
	}

	return store.Subscription{TargetURL: target, Secret: req.Secret, EventTypes: types}, nil
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := r.PathValue(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, invalidIDError(raw)
	}
	return id, nil
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	log := s.logger.WithContext(r.Context())

	subID, err := pathID(r, "subscriptionID")
	if err != nil {
		writeError(w, log, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, log, payloadTooLargeError(tooLarge.Limit))
			return
		}
		writeError(w, log, internalError(err, "read request body"))
		return
	}

	res, err := s.ingest.Ingest(r.Context(), ingest.Event{
		SubscriptionID: subID,
		EventType:      r.Header.Get(s.eventTypeHeader),
		RawBody:        body,
		Signature:      r.Header.Get(s.signatureHeader),
	})
	if err != nil {
		writeError(w, log.WithSubscription(subID), err)
		return
	}
	if res.Filtered {
		writeJSON(w, http.StatusOK, ingestResponse{Status: "filtered"})
		return
	}
	writeJSON(w, http.StatusAccepted, ingestResponse{DeliveryID: res.DeliveryID, Status: "queued"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("deliveryID")
	log := s.logger.WithContext(r.Context()).WithDelivery(id)

	attempts, err := s.logs.ByDelivery(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, log, deliveryNotFoundError(id))
		return
	}
	if err != nil {
		writeError(w, log, internalError(err, "load delivery"))
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	log := s.logger.WithContext(r.Context())

	subID, err := pathID(r, "subscriptionID")
	if err != nil {
		writeError(w, log, err)
		return
	}

	limit := store.DefaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, log, invalidLimitError(v))
			return
		}
		limit = min(n, maxLogLimit)
	}

	attempts, err := s.logs.BySubscription(r.Context(), subID, limit)
	if err != nil {
		writeError(w, log.WithSubscription(subID), internalError(err, "load logs"))
		return
	}
	if attempts == nil {
		attempts = []store.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (s *Server) decodeSubscription(w http.ResponseWriter, r *http.Request) (store.Subscription, error) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	dec.DisallowUnknownFields()

	var req subscriptionRequest
	if err := dec.Decode(&req); err != nil {
		return store.Subscription{}, invalidSubscriptionError("body must be a subscription JSON object")
	}
	return req.toSubscription()
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	log := s.logger.WithContext(r.Context())

	sub, err := s.decodeSubscription(w, r)
	if err != nil {
		writeError(w, log, err)
		return
	}
	if err := s.subs.Create(r.Context(), &sub); err != nil {
		writeError(w, log, internalError(err, "create subscription"))
		return
	}

	log.WithSubscription(sub.ID).WithField("target_url", sub.TargetURL).Info("subscription created")
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.subs.List(r.Context())
	if err != nil {
		writeError(w, s.logger.WithContext(r.Context()), internalError(err, "list subscriptions"))
		return
	}
	if subs == nil {
		subs = []store.Subscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	log := s.logger.WithContext(r.Context())

	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, log, err)
		return
	}
	sub, err := s.subs.Get(r.Context(), id)
	if err != nil {
		writeError(w, log, s.subscriptionError(err, id, "load subscription"))
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	log := s.logger.WithContext(r.Context())

	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, log, err)
		return
	}
	sub, err := s.decodeSubscription(w, r)
	if err != nil {
		writeError(w, log, err)
		return
	}
	sub.ID = id
	if err := s.subs.Update(r.Context(), &sub); err != nil {
		writeError(w, log, s.subscriptionError(err, id, "update subscription"))
		return
	}

	log.WithSubscription(id).Info("subscription updated")
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	log := s.logger.WithContext(r.Context())

	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, log, err)
		return
	}
	sub, err := s.subs.Delete(r.Context(), id)
	if err != nil {
		writeError(w, log, s.subscriptionError(err, id, "delete subscription"))
		return
	}

	log.WithSubscription(id).Info("subscription deleted")
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) subscriptionError(err error, id int64, op string) error {
	if errors.Is(err, store.ErrNotFound) {
		return subscriptionNotFoundError(id)
	}
	return internalError(err, op)
}
