package rpc

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hashdex/swapd/pkg/store"
	"github.com/hashdex/swapd/pkg/swap"
)

// Core is the daemon surface the RPC methods drive.
type Core interface {
	StartSwap(ctx context.Context, req StartSwapRequest) (uuid.UUID, error)
	RecoverFunds(ctx context.Context, swapUUID uuid.UUID) (*swap.RecoverResult, error)
	Store() store.Store
}

// Method is one named JSON-RPC operation.
type Method interface {
	Name() string
	Query(ctx context.Context, core Core, params json.RawMessage) (json.RawMessage, error)
}

// Request defines a JSON-RPC 2.0 request object.
type Request struct {
	Version string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response defines a JSON-RPC 2.0 response object.
type Response struct {
	Version string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error defines a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

const (
	ErrorCodeParseError        = -32700
	ErrorMessageParseError     = "Parse error"
	ErrorCodeMethodNotFound    = -32601
	ErrorMessageMethodNotFound = "Method not found"
	ErrorCodeInvalidParams     = -32602
	ErrorMessageInvalidParams  = "Invalid params"
	ErrorCodeInternalError     = -32603
	ErrorMessageInternalError  = "Internal error"
)

func NewResponse(id interface{}, result json.RawMessage, err *Error) Response {
	return Response{Version: "2.0", ID: id, Result: result, Error: err}
}

func NewError(code int, message string, data string) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

type Server struct {
	commands map[string]Method
	core     Core
	authsha  [sha256.Size]byte
	logger   *zap.Logger
}

func NewServer(core Core, user, password string, logger *zap.Logger) *Server {
	login := user + ":" + password
	auth := "Basic " + base64.StdEncoding.EncodeToString([]byte(login))

	s := &Server{
		commands: make(map[string]Method),
		core:     core,
		authsha:  sha256.Sum256([]byte(auth)),
		logger:   logger.Named("rpc"),
	}
	s.AddCommand(MySwapStatus())
	s.AddCommand(ActiveSwaps())
	s.AddCommand(ListSwaps())
	s.AddCommand(StartSwap())
	s.AddCommand(RecoverFundsOfSwap())
	return s
}

func (s *Server) AddCommand(cmd Method) {
	s.commands[cmd.Name()] = cmd
}

func (s *Server) HandleJSONRPC(ctx *gin.Context) {
	req := Request{}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, NewResponse(req.ID, nil, NewError(ErrorCodeParseError, ErrorMessageParseError, err.Error())))
		return
	}

	cmd, ok := s.commands[req.Method]
	if !ok {
		ctx.JSON(http.StatusNotFound, NewResponse(req.ID, nil, NewError(ErrorCodeMethodNotFound, ErrorMessageMethodNotFound, "")))
		return
	}

	result, err := cmd.Query(ctx.Request.Context(), s.core, req.Params)
	if err != nil {
		s.logger.Error("method failed", zap.String("method", req.Method), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, NewResponse(req.ID, nil, NewError(ErrorCodeInternalError, ErrorMessageInternalError, err.Error())))
		return
	}
	ctx.JSON(http.StatusOK, NewResponse(req.ID, result, nil))
}

func (s *Server) authenticateUser(ctx *gin.Context) {
	authhdr := ctx.GetHeader("Authorization")
	if len(authhdr) == 0 {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized"})
		return
	}
	authsha := sha256.Sum256([]byte(authhdr))
	if subtle.ConstantTimeCompare(authsha[:], s.authsha[:]) != 1 {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized"})
		return
	}
}

// Router builds the gin engine; Run binds it to addr.
func (s *Server) Router() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	authRoutes := engine.Group("/")
	authRoutes.Use(s.authenticateUser)
	authRoutes.POST("/", s.HandleJSONRPC)
	return engine
}

func (s *Server) Run(addr string) error {
	return s.Router().Run(addr)
}
