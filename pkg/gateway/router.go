package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// idempotencyTTL bounds how long a cached response answers replays of the
// same idempotency key.
const idempotencyTTL = 5 * time.Minute

// Router registers RPC methods and dispatches requests to them. Requests
// carrying an idempotency key are answered from cache on replay.
type Router struct {
	mu      sync.RWMutex
	methods map[string]RequestHandler
	cache   map[string]cachedResponse
}

type cachedResponse struct {
	response  RPCResponse
	expiresAt time.Time
}

// NewRouter creates an empty method router.
func NewRouter() *Router {
	return &Router{
		methods: make(map[string]RequestHandler),
		cache:   make(map[string]cachedResponse),
	}
}

// Register binds a handler to a method name.
func (r *Router) Register(name string, handler RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("handler for %s cannot be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.methods[name]; exists {
		return fmt.Errorf("method already registered: %s", name)
	}
	r.methods[name] = handler
	return nil
}

// Parse decodes and validates one JSON-RPC request frame.
func (r *Router) Parse(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	if req.ID == "" {
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id"}
	}
	if req.Method == "" {
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method"}
	}
	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}
	return &req, nil
}

// Dispatch routes one request to its handler.
func (r *Router) Dispatch(req *RPCRequest) RPCResponse {
	if req.IdempotencyKey != "" {
		if resp, ok := r.cached(req.IdempotencyKey); ok {
			resp.ID = req.ID
			return resp
		}
	}

	r.mu.RLock()
	handler, ok := r.methods[req.Method]
	r.mu.RUnlock()

	if !ok {
		return RPCResponse{
			ID:      req.ID,
			JSONRPC: "2.0",
			Error:   &RPCError{Code: MethodNotFound, Message: fmt.Sprintf("Method not found: %s", req.Method)},
		}
	}

	result, err := handler(req.Params)
	resp := RPCResponse{ID: req.ID, JSONRPC: "2.0"}
	if err != nil {
		rpcErr, ok := err.(*RPCError)
		if !ok {
			rpcErr = &RPCError{Code: InternalError, Message: err.Error()}
		}
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}

	if req.IdempotencyKey != "" && resp.Error == nil {
		r.remember(req.IdempotencyKey, resp)
	}
	return resp
}

func (r *Router) cached(key string) (RPCResponse, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.cache[key]
	if !ok {
		return RPCResponse{}, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(r.cache, key)
		return RPCResponse{}, false
	}
	return entry.response, true
}

func (r *Router) remember(key string, resp RPCResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, entry := range r.cache {
		if time.Now().After(entry.expiresAt) {
			delete(r.cache, k)
		}
	}
	r.cache[key] = cachedResponse{response: resp, expiresAt: time.Now().Add(idempotencyTTL)}
}
