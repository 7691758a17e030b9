package handlers

import (
	"encoding/json"
	"hash/fnv"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"rpcgateway/internal/dispatcher"
	"rpcgateway/internal/jsonrpc"
)

// MaxBodyBytes bounds the size of an inbound JSON-RPC payload.
const MaxBodyBytes = 5 << 20 // 5 MiB

// HeaderAPIKey is the optional header clients use to identify
// themselves. Its value is only hashed into the X-W3P-KEY-ID response
// header; no rate limit is keyed by it.
const HeaderAPIKey = "X-API-Key"

// RPCHandler is the public JSON-RPC ingress: it decodes a single
// request or a batch, dispatches it, and attaches the X-W3P-* headers
// spec.md §6 requires.
type RPCHandler struct {
	dispatcher *dispatcher.Dispatcher
}

func NewRPCHandler(d *dispatcher.Dispatcher) *RPCHandler {
	return &RPCHandler{dispatcher: d}
}

func (h *RPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorJSON(w, http.StatusMethodNotAllowed, "only POST is supported")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > MaxBodyBytes {
		writeErrorJSON(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	clientIP := extractClientIP(r)
	w.Header().Set("X-W3P-CLIENT-IP", clientIP)
	if keyID := apiKeyID(r); keyID != "" {
		w.Header().Set("X-W3P-KEY-ID", keyID)
	}

	rb, err := jsonrpc.DecodeRequestOrBatch(body)
	if err != nil {
		writeJSONResponse(w, jsonrpc.NewError(nil, jsonrpc.CodeInvalidRequest, err.Error(), nil))
		return
	}

	reply, headers := h.dispatcher.Dispatch(r.Context(), rb)

	w.Header().Set("X-W3P-BACKEND-RPCS", strings.Join(headers.BackendNames, ","))
	w.Header().Set("X-W3P-BACKUP-RPC", strconv.FormatBool(headers.UsedBackup))
	writeJSONResponse(w, reply)
}

func writeJSONResponse(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	b, err := json.Marshal(v)
	if err != nil {
		writeErrorJSON(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	w.Write(b)
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if parts := strings.SplitN(xff, ",", 2); len(parts) > 0 {
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// apiKeyID derives a stable numeric id from the caller's API key header,
// for the X-W3P-KEY-ID response header. Returns "" when no key was sent.
func apiKeyID(r *http.Request) string {
	key := r.Header.Get(HeaderAPIKey)
	if key == "" {
		return ""
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return strconv.FormatUint(uint64(h.Sum32()), 10)
}
