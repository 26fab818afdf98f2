package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"alertmonitor/internal/cache"
	"alertmonitor/internal/logger"
	"alertmonitor/internal/models"
	"alertmonitor/internal/store"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

type Response struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

var alertStore *store.Store

// Init wires the handlers to the alert store. Must run before any route
// is served.
func Init(s *store.Store) {
	alertStore = s
}

// AlertsHandler routes all alert operations based on path and method.
// URL patterns: /alerts, /alerts/stats, /alerts/{id}, /alerts/{id}/dismiss
func AlertsHandler(w http.ResponseWriter, r *http.Request, instance string) {
	pathParts := strings.Split(r.URL.Path, "/")

	// Collection endpoint
	if len(pathParts) <= 2 || pathParts[2] == "" {
		switch r.Method {
		case http.MethodGet:
			BrowseAlertsHandler(w, r, instance)
		case http.MethodPost:
			CreateAlertHandler(w, r, instance)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	if pathParts[2] == "stats" {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		StatsHandler(w, r)
		return
	}

	alertID := pathParts[2]

	if len(pathParts) > 3 && pathParts[3] == "dismiss" {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		DismissAlertHandler(w, r, alertID, instance)
		return
	}

	switch r.Method {
	case http.MethodGet:
		GetAlertHandler(w, r, alertID)
	case http.MethodPut, http.MethodPatch:
		UpdateAlertHandler(w, r, alertID, instance)
	case http.MethodDelete:
		DeleteAlertHandler(w, r, alertID, instance)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// BrowseAlertsHandler lists alerts, optionally filtered by coin.
func BrowseAlertsHandler(w http.ResponseWriter, r *http.Request, instance string) {
	ctx := r.Context()
	tracer := otel.Tracer("alert-monitor")
	ctx, span := tracer.Start(ctx, "BrowseAlertsHandler")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()
	cacheKey := generateCacheKey(r, "browse_alerts_")

	cached, err := cache.GetCache(ctx, cacheKey, "/alerts", instance)
	if err == nil && cached != "" {
		logger.Log.Info("Cache hit for /alerts",
			zap.String("trace_id", traceID),
			zap.String("cache_key", cacheKey),
		)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(cached))
		return
	}

	logger.Log.Info("Cache miss for /alerts, processing request",
		zap.String("trace_id", traceID),
		zap.String("cache_key", cacheKey),
	)

	coin := strings.ToLower(r.URL.Query().Get("coin"))

	var alerts []*models.Alert
	var storeErr error
	if coin != "" {
		alerts, storeErr = alertStore.GetForCoin(ctx, coin)
	} else {
		alerts, storeErr = alertStore.GetAll(ctx)
	}
	if storeErr != nil {
		logger.Log.Error("Failed to fetch alerts",
			zap.String("trace_id", traceID),
			zap.Error(storeErr),
		)
		http.Error(w, "Failed to fetch alerts", http.StatusInternalServerError)
		return
	}
	if alerts == nil {
		alerts = []*models.Alert{}
	}

	response := Response{
		Message: "Alerts retrieved successfully",
		Data:    alerts,
	}

	respBytes, err := json.Marshal(response)
	if err != nil {
		logger.Log.Error("Failed to encode JSON response",
			zap.String("trace_id", traceID),
			zap.Error(err),
		)
		http.Error(w, "Failed to encode JSON response", http.StatusInternalServerError)
		return
	}

	if cacheErr := cache.SetCache(ctx, cacheKey, string(respBytes), 30*time.Second, "/alerts", instance); cacheErr != nil {
		logger.Log.Warn("Failed to store response in cache",
			zap.String("trace_id", traceID),
			zap.String("cache_key", cacheKey),
			zap.Error(cacheErr),
		)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(respBytes)
}

// CreateAlertHandler creates a new active alert from a draft.
func CreateAlertHandler(w http.ResponseWriter, r *http.Request, instance string) {
	ctx := r.Context()
	tracer := otel.Tracer("alert-monitor")
	ctx, span := tracer.Start(ctx, "CreateAlertHandler")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()

	var draft models.Draft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		logger.Log.Error("Failed to parse request body",
			zap.String("trace_id", traceID),
			zap.Error(err),
		)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	alert, err := alertStore.Add(ctx, draft)
	if err != nil {
		if store.IsValidationError(err) {
			logger.Log.Warn("Alert rejected",
				zap.String("trace_id", traceID),
				zap.Error(err),
			)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logger.Log.Error("Failed to create alert",
			zap.String("trace_id", traceID),
			zap.Error(err),
		)
		http.Error(w, "Failed to create alert", http.StatusInternalServerError)
		return
	}

	cache.InvalidateByPrefix(ctx, "browse_alerts_", "/alerts", instance)

	response := Response{
		Message: "Alert created successfully",
		Data:    alert,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(response)
}

// GetAlertHandler retrieves a specific alert by ID.
func GetAlertHandler(w http.ResponseWriter, r *http.Request, alertID string) {
	ctx := r.Context()
	tracer := otel.Tracer("alert-monitor")
	ctx, span := tracer.Start(ctx, "GetAlertHandler")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()

	alert, err := alertStore.Get(ctx, alertID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "Alert not found", http.StatusNotFound)
			return
		}
		logger.Log.Error("Failed to fetch alert",
			zap.String("trace_id", traceID),
			zap.String("alert_id", alertID),
			zap.Error(err),
		)
		http.Error(w, "Failed to fetch alert", http.StatusInternalServerError)
		return
	}

	response := Response{
		Message: "Alert retrieved successfully",
		Data:    alert,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// UpdateAlertHandler merges a patch into an existing alert.
func UpdateAlertHandler(w http.ResponseWriter, r *http.Request, alertID string, instance string) {
	ctx := r.Context()
	tracer := otel.Tracer("alert-monitor")
	ctx, span := tracer.Start(ctx, "UpdateAlertHandler")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()

	if _, err := alertStore.Get(ctx, alertID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "Alert not found", http.StatusNotFound)
			return
		}
		logger.Log.Error("Failed to fetch alert for update",
			zap.String("trace_id", traceID),
			zap.String("alert_id", alertID),
			zap.Error(err),
		)
		http.Error(w, "Failed to fetch alert", http.StatusInternalServerError)
		return
	}

	var patch models.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		logger.Log.Error("Failed to parse request body",
			zap.String("trace_id", traceID),
			zap.Error(err),
		)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if !alertStore.Update(ctx, alertID, patch) {
		http.Error(w, "Failed to update alert", http.StatusBadRequest)
		return
	}

	cache.InvalidateByPrefix(ctx, "browse_alerts_", "/alerts", instance)

	updated, err := alertStore.Get(ctx, alertID)
	if err != nil {
		http.Error(w, "Failed to fetch updated alert", http.StatusInternalServerError)
		return
	}

	response := Response{
		Message: "Alert updated successfully",
		Data:    updated,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// DismissAlertHandler moves an alert to the dismissed state.
func DismissAlertHandler(w http.ResponseWriter, r *http.Request, alertID string, instance string) {
	ctx := r.Context()
	tracer := otel.Tracer("alert-monitor")
	ctx, span := tracer.Start(ctx, "DismissAlertHandler")
	defer span.End()

	if _, err := alertStore.Get(ctx, alertID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "Alert not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to fetch alert", http.StatusInternalServerError)
		return
	}

	if !alertStore.Dismiss(ctx, alertID) {
		http.Error(w, "Failed to dismiss alert", http.StatusInternalServerError)
		return
	}

	cache.InvalidateByPrefix(ctx, "browse_alerts_", "/alerts", instance)

	dismissed, err := alertStore.Get(ctx, alertID)
	if err != nil {
		http.Error(w, "Failed to fetch dismissed alert", http.StatusInternalServerError)
		return
	}

	response := Response{
		Message: "Alert dismissed successfully",
		Data:    dismissed,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// DeleteAlertHandler deletes an alert.
func DeleteAlertHandler(w http.ResponseWriter, r *http.Request, alertID string, instance string) {
	ctx := r.Context()
	tracer := otel.Tracer("alert-monitor")
	ctx, span := tracer.Start(ctx, "DeleteAlertHandler")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()

	if !alertStore.Remove(ctx, alertID) {
		logger.Log.Error("Failed to delete alert",
			zap.String("trace_id", traceID),
			zap.String("alert_id", alertID),
		)
		http.Error(w, "Failed to delete alert", http.StatusInternalServerError)
		return
	}

	cache.InvalidateByPrefix(ctx, "browse_alerts_", "/alerts", instance)

	response := Response{
		Message: "Alert deleted successfully",
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// StatsHandler returns alert counts by status and kind.
func StatsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("alert-monitor")
	ctx, span := tracer.Start(ctx, "StatsHandler")
	defer span.End()

	stats, err := alertStore.Stats(ctx)
	if err != nil {
		logger.Log.Error("Failed to compute alert stats", zap.Error(err))
		http.Error(w, "Failed to compute stats", http.StatusInternalServerError)
		return
	}

	response := Response{
		Message: "Alert stats retrieved successfully",
		Data:    stats,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func generateCacheKey(r *http.Request, prefix string) string {
	queryParams := r.URL.Query()
	var keys []string
	for k := range queryParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var queryString []string
	for _, k := range keys {
		queryString = append(queryString, fmt.Sprintf("%s=%s", k, strings.Join(queryParams[k], ",")))
	}
	joinedParams := strings.Join(queryString, "&")

	hash := sha256.Sum256([]byte(joinedParams))
	return prefix + hex.EncodeToString(hash[:8])
}
