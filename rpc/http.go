package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/MixinNetwork/peernet/config"
	"github.com/MixinNetwork/peernet/p2p"
	"github.com/MixinNetwork/peernet/routing"
	"github.com/dimfeld/httptreemux"
	"github.com/gorilla/handlers"
	"github.com/unrolled/render"
)

type Node interface {
	NodeId() p2p.NodeId
	Peers() []*p2p.PeerInfo
	Metric() map[string]*p2p.MetricPool
}

type Routing interface {
	Snapshot() *routing.Snapshot
}

type R struct {
	Custom  *config.Custom
	Node    Node
	Routing Routing
}

type Call struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

func NewRouter(impl *R) *httptreemux.TreeMux {
	router := httptreemux.New()
	router.POST("/", impl.handle)
	router.GET("/info", impl.get("getinfo"))
	router.GET("/peers", impl.get("listpeers"))
	router.GET("/metrics", impl.get("getmetric"))
	router.GET("/routing", impl.get("getrouting"))
	registerHanders(router)
	return router
}

func registerHanders(router *httptreemux.TreeMux) {
	router.MethodNotAllowedHandler = func(w http.ResponseWriter, r *http.Request, _ map[string]httptreemux.HandlerFunc) {
		render.New().JSON(w, http.StatusNotFound, map[string]any{})
	}
	router.NotFoundHandler = func(w http.ResponseWriter, r *http.Request) {
		render.New().JSON(w, http.StatusNotFound, map[string]any{})
	}
	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, rcv any) {
		err := fmt.Errorf("%v\n%s", rcv, debug.Stack())
		render.New().JSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
	}
}

func (impl *R) get(method string) httptreemux.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		impl.dispatch(w, &Call{Method: method})
	}
}

func (impl *R) handle(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var call Call
	d := json.NewDecoder(r.Body)
	d.UseNumber()
	if err := d.Decode(&call); err != nil {
		render.New().JSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	impl.dispatch(w, &call)
}

func (impl *R) dispatch(w http.ResponseWriter, call *Call) {
	var data any
	var err error
	switch call.Method {
	case "getinfo":
		data, err = getInfo(impl.Custom, impl.Node)
	case "listpeers":
		data, err = listPeers(impl.Node, call.Params)
	case "getmetric":
		data = impl.Node.Metric()
	case "getrouting":
		data = impl.Routing.Snapshot()
	default:
		render.New().JSON(w, http.StatusNotFound, map[string]any{"error": "method " + call.Method})
		return
	}
	if err != nil {
		render.New().JSON(w, http.StatusOK, map[string]any{"error": err.Error()})
		return
	}
	render.New().JSON(w, http.StatusOK, map[string]any{"data": data})
}

func handleCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			handler.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Access-Control-Allow-Headers", "Content-Type,Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "OPTIONS,GET,POST")
		w.Header().Set("Access-Control-Max-Age", "600")
		if r.Method == "OPTIONS" {
			render.New().JSON(w, http.StatusOK, map[string]any{})
		} else {
			handler.ServeHTTP(w, r)
		}
	})
}

func NewHandler(impl *R) http.Handler {
	handler := handleCORS(NewRouter(impl))
	return handlers.ProxyHeaders(handler)
}

func NewServer(impl *R, port int) *http.Server {
	return &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: NewHandler(impl)}
}
