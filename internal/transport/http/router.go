package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"e2ee-keys/internal/authn"
	"e2ee-keys/internal/cryptocore"
	"e2ee-keys/internal/dto"
	"e2ee-keys/internal/membership"
	"e2ee-keys/internal/observability/metrics"
	obsmw "e2ee-keys/internal/observability/middleware"
	"e2ee-keys/internal/service"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Services struct {
	Directory *service.Directory
	Sessions  *service.Sessions
	Groups    *service.Groups
	Members   *membership.Provider
}

type Options struct {
	AuthSecret  string
	AuthIssuer  string
	CORSOrigins []string
}

func NewRouter(svc Services, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(httprate.LimitByIP(300, 1*time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   originsIfSet(opts.CORSOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(obsmw.WithRequestAndTrace)
	r.Use(obsmw.WithMetrics)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	api := func(r chi.Router) {
		r.Route("/keys", func(r chi.Router) {
			r.Post("/publish", publishKeys(svc.Directory))
			r.Get("/bundle", fetchBundle(svc.Directory))
			r.Post("/replenish", replenishKeys(svc.Directory))
			r.Post("/rotate-signed-prekey", rotateSignedPreKey(svc.Directory))
			r.Get("/status", keyStatus(svc.Directory))
		})
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/establish", establishSession(svc.Sessions))
			r.Post("/save", saveSession(svc.Sessions))
			r.Get("/", loadSession(svc.Sessions))
			r.Delete("/", deleteSession(svc.Sessions))
			r.Post("/encrypt", encryptMessage(svc.Sessions))
			r.Post("/decrypt", decryptMessage(svc.Sessions))
		})
		r.Route("/groups/{groupID}", func(r chi.Router) {
			r.Post("/messages/encrypt", encryptGroupMessage(svc.Groups))
			r.Post("/messages/decrypt", decryptGroupMessage(svc.Groups))
			r.Post("/members", addMember(svc.Groups, svc.Members))
			r.Delete("/members/{userID}", removeMember(svc.Groups, svc.Members))
			r.Post("/rotate", rotateSenderKeys(svc.Groups))
			r.Get("/status", groupStatus(svc.Groups))
		})
	}

	if opts.AuthSecret != "" {
		validator := authn.NewHMACValidator(opts.AuthSecret, opts.AuthIssuer)
		r.Group(func(r chi.Router) {
			r.Use(validator.Middleware)
			api(r)
		})
	} else {
		api(r)
	}

	return r
}

func publishKeys(directory *service.Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dto.PublishKeysRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			metrics.KeysPublishedTotal.WithLabelValues("failure").Inc()
			logWarn(r, "publish keys decode failed", err)
			return
		}
		res, err := directory.Publish(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			metrics.KeysPublishedTotal.WithLabelValues("failure").Inc()
			logWarn(r, "publish keys failed", err)
			return
		}
		metrics.KeysPublishedTotal.WithLabelValues("success").Inc()
		slog.Info("keys published", "user_id", res.UserID, "one_time_prekeys", res.OneTimePreKeys, "request_id", obsmw.RequestIDFromContext(r.Context()))
		writeJSON(w, http.StatusCreated, res)
	}
}

func fetchBundle(directory *service.Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
		if err != nil {
			http.Error(w, "invalid user_id", http.StatusBadRequest)
			metrics.PreKeyBundlesFetchedTotal.WithLabelValues("failure").Inc()
			return
		}
		// Requester comes from the auth subject when present so the
		// consumption audit names who claimed the key.
		requesterID := uuid.Nil
		if sub, ok := authn.SubjectFrom(r.Context()); ok {
			if id, err := uuid.Parse(sub); err == nil {
				requesterID = id
			}
		} else if raw := r.URL.Query().Get("requester_id"); raw != "" {
			if id, err := uuid.Parse(raw); err == nil {
				requesterID = id
			}
		}
		res, err := directory.FetchBundle(r.Context(), userID, requesterID)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			metrics.PreKeyBundlesFetchedTotal.WithLabelValues("failure").Inc()
			logWarn(r, "prekey bundle fetch failed", err)
			return
		}
		metrics.PreKeyBundlesFetchedTotal.WithLabelValues("success").Inc()
		if res.OneTimePreKey == nil {
			metrics.PreKeyPoolExhaustedTotal.WithLabelValues().Inc()
		}
		slog.Info("prekey bundle fetched", "user_id", res.UserID, "has_one_time", res.OneTimePreKey != nil, "needs_replenish", res.NeedsReplenish, "request_id", obsmw.RequestIDFromContext(r.Context()))
		writeJSON(w, http.StatusOK, res)
	}
}

func replenishKeys(directory *service.Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dto.ReplenishRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		res, err := directory.Replenish(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			logWarn(r, "replenish failed", err)
			return
		}
		metrics.OneTimePreKeysRemaining.WithLabelValues().Set(float64(res.Remaining))
		writeJSON(w, http.StatusOK, res)
	}
}

func rotateSignedPreKey(directory *service.Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dto.RotateSignedPreKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			metrics.SignedPreKeysRotatedTotal.WithLabelValues("failure").Inc()
			return
		}
		res, err := directory.RotateSignedPreKey(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			metrics.SignedPreKeysRotatedTotal.WithLabelValues("failure").Inc()
			logWarn(r, "rotate signed prekey failed", err)
			return
		}
		metrics.SignedPreKeysRotatedTotal.WithLabelValues("success").Inc()
		slog.Info("rotated signed prekey", "user_id", res.UserID, "key_id", res.SignedPreKey.KeyID, "request_id", obsmw.RequestIDFromContext(r.Context()))
		writeJSON(w, http.StatusOK, res)
	}
}

func keyStatus(directory *service.Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
		if err != nil {
			http.Error(w, "invalid user_id", http.StatusBadRequest)
			return
		}
		res, err := directory.Status(r.Context(), userID)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		metrics.OneTimePreKeysRemaining.WithLabelValues().Set(float64(res.RemainingOneTimeCount))
		writeJSON(w, http.StatusOK, res)
	}
}

func establishSession(sessions *service.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dto.EstablishSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			metrics.SessionsEstablishedTotal.WithLabelValues("failure").Inc()
			return
		}
		res, err := sessions.Establish(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			metrics.SessionsEstablishedTotal.WithLabelValues("failure").Inc()
			logWarn(r, "session establishment failed", err)
			return
		}
		metrics.SessionsEstablishedTotal.WithLabelValues("success").Inc()
		slog.Info("session established", "owner_id", res.OwnerID, "contact_id", res.ContactID, "request_id", obsmw.RequestIDFromContext(r.Context()))
		writeJSON(w, http.StatusCreated, res)
	}
}

func saveSession(sessions *service.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dto.SaveSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := sessions.Save(r.Context(), req); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			logWarn(r, "session save failed", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func loadSession(sessions *service.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, contactID, ok := pairParams(w, r)
		if !ok {
			return
		}
		res, err := sessions.Load(r.Context(), ownerID, contactID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if res == nil {
			http.Error(w, service.ErrSessionNotFound.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func deleteSession(sessions *service.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, contactID, ok := pairParams(w, r)
		if !ok {
			return
		}
		if err := sessions.Delete(r.Context(), ownerID, contactID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func encryptMessage(sessions *service.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dto.EncryptMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			metrics.MessagesSealedTotal.WithLabelValues("failure").Inc()
			return
		}
		res, err := sessions.Encrypt(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			metrics.MessagesSealedTotal.WithLabelValues("failure").Inc()
			logWarn(r, "message encrypt failed", err)
			return
		}
		metrics.MessagesSealedTotal.WithLabelValues("success").Inc()
		writeJSON(w, http.StatusOK, res)
	}
}

func decryptMessage(sessions *service.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dto.DecryptMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			metrics.MessagesOpenedTotal.WithLabelValues("failure").Inc()
			return
		}
		res, err := sessions.Decrypt(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			metrics.MessagesOpenedTotal.WithLabelValues("failure").Inc()
			logWarn(r, "message decrypt failed", err)
			return
		}
		metrics.MessagesOpenedTotal.WithLabelValues("success").Inc()
		writeJSON(w, http.StatusOK, res)
	}
}

func encryptGroupMessage(groups *service.Groups) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		groupID, ok := groupParam(w, r)
		if !ok {
			return
		}
		var req dto.EncryptGroupMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			metrics.GroupMessagesSealedTotal.WithLabelValues("failure").Inc()
			return
		}
		res, err := groups.Encrypt(r.Context(), groupID, req)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			metrics.GroupMessagesSealedTotal.WithLabelValues("failure").Inc()
			logWarn(r, "group encrypt failed", err)
			return
		}
		metrics.GroupMessagesSealedTotal.WithLabelValues("success").Inc()
		writeJSON(w, http.StatusOK, res)
	}
}

func decryptGroupMessage(groups *service.Groups) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		groupID, ok := groupParam(w, r)
		if !ok {
			return
		}
		var req dto.DecryptGroupMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			metrics.GroupMessagesOpenedTotal.WithLabelValues("failure").Inc()
			return
		}
		res, err := groups.Decrypt(r.Context(), groupID, req)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			metrics.GroupMessagesOpenedTotal.WithLabelValues("failure").Inc()
			logWarn(r, "group decrypt failed", err)
			return
		}
		metrics.GroupMessagesOpenedTotal.WithLabelValues("success").Inc()
		writeJSON(w, http.StatusOK, res)
	}
}

func addMember(groups *service.Groups, members *membership.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		groupID, ok := groupParam(w, r)
		if !ok {
			return
		}
		var req dto.AddMemberRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		userID, err := uuid.Parse(req.UserID)
		if err != nil {
			http.Error(w, "invalid userId", http.StatusBadRequest)
			return
		}
		if err := members.Add(r.Context(), groupID, userID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := groups.OnMemberAdded(r.Context(), groupID, userID); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			logWarn(r, "member add distribution failed", err)
			return
		}
		slog.Info("group member added", "group_id", groupID, "user_id", userID, "request_id", obsmw.RequestIDFromContext(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	}
}

func removeMember(groups *service.Groups, members *membership.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		groupID, ok := groupParam(w, r)
		if !ok {
			return
		}
		userID, err := uuid.Parse(chi.URLParam(r, "userID"))
		if err != nil {
			http.Error(w, "invalid userID", http.StatusBadRequest)
			return
		}
		// Remove the membership row first: the forced rotation must see the
		// post-removal member list.
		if err := members.Remove(r.Context(), groupID, userID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := groups.OnMemberRemoved(r.Context(), groupID, userID); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			logWarn(r, "member removal handling failed", err)
			return
		}
		metrics.SenderKeyRotationsTotal.WithLabelValues("member_removed").Inc()
		slog.Info("group member removed", "group_id", groupID, "user_id", userID, "request_id", obsmw.RequestIDFromContext(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	}
}

func rotateSenderKeys(groups *service.Groups) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		groupID, ok := groupParam(w, r)
		if !ok {
			return
		}
		var req dto.RotateSenderKeysRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		reason := req.Reason
		if reason == "" {
			reason = "manual"
		}
		res := dto.RotateSenderKeysResponse{GroupID: groupID.String()}
		if req.SenderID != "" {
			senderID, err := uuid.Parse(req.SenderID)
			if err != nil {
				http.Error(w, "invalid senderId", http.StatusBadRequest)
				return
			}
			if _, err := groups.RotateSenderKey(r.Context(), groupID, senderID, reason); err != nil {
				http.Error(w, err.Error(), statusFor(err))
				logWarn(r, "sender key rotation failed", err)
				return
			}
			res.Rotated = []string{senderID.String()}
		} else {
			rotated, err := groups.RotateAllSenderKeys(r.Context(), groupID, reason)
			if err != nil {
				http.Error(w, err.Error(), statusFor(err))
				logWarn(r, "group rotation failed", err)
				return
			}
			for _, id := range rotated {
				res.Rotated = append(res.Rotated, id.String())
			}
		}
		metrics.SenderKeyRotationsTotal.WithLabelValues(reason).Inc()
		writeJSON(w, http.StatusOK, res)
	}
}

func groupStatus(groups *service.Groups) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		groupID, ok := groupParam(w, r)
		if !ok {
			return
		}
		res, err := groups.Status(r.Context(), groupID)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func pairParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	ownerID, err := uuid.Parse(r.URL.Query().Get("owner_id"))
	if err != nil {
		http.Error(w, "invalid owner_id", http.StatusBadRequest)
		return uuid.Nil, uuid.Nil, false
	}
	contactID, err := uuid.Parse(r.URL.Query().Get("contact_id"))
	if err != nil {
		http.Error(w, "invalid contact_id", http.StatusBadRequest)
		return uuid.Nil, uuid.Nil, false
	}
	return ownerID, contactID, true
}

func groupParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	groupID, err := uuid.Parse(chi.URLParam(r, "groupID"))
	if err != nil {
		http.Error(w, "invalid groupID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return groupID, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUserKeysNotFound),
		errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, service.ErrSenderKeyNotDistributed):
		return http.StatusNotFound
	case errors.Is(err, service.ErrDuplicateMessage),
		errors.Is(err, cryptocore.ErrSignatureVerification),
		errors.Is(err, cryptocore.ErrIntegrity),
		errors.Is(err, cryptocore.ErrDecryptionFailed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func logWarn(r *http.Request, msg string, err error) {
	slog.Warn(msg,
		"error", err,
		"request_id", obsmw.RequestIDFromContext(r.Context()),
		"trace_id", obsmw.TraceIDFromContext(r.Context()),
	)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func originsIfSet(origins []string) []string {
	cleaned := make([]string, 0, len(origins))
	for _, o := range origins {
		if s := strings.TrimSpace(o); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	if len(cleaned) == 0 {
		return []string{"*"}
	}
	return cleaned
}
