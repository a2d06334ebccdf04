// Package slave implements a Modbus/TCP slave device. It answers requests
// from a table of function handlers and ships with a register bank covering
// the data access functions. The CLI uses it as a device simulator, and the
// adapter's integration tests talk to it over loopback.
package slave

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/TheCount/go-rtutcp/modbus"
)

// Request is a decoded Modbus request.
type Request struct {
	// From and To are the origin and destination of the request.
	From, To net.Addr

	// TransactionID is the MBAP transaction identifier.
	TransactionID uint16

	// Unit is the addressed unit.
	Unit modbus.UnitID

	// Function is the requested function.
	Function modbus.FunctionCode

	// Data is the request data without unit identifier and function code.
	Data []byte
}

// FunctionHandler handles a Modbus function. It returns the response data
// without the function code. An error should normally be a
// modbus.ExceptionCode; other errors are answered with
// modbus.ExceptionServerDeviceFailure.
//
// Handlers may be called concurrently.
type FunctionHandler func(ctx context.Context, req *Request) ([]byte, error)

// unitAndFunction combines unit identifier and function code.
type unitAndFunction struct {
	unitID       modbus.UnitID
	functionCode modbus.FunctionCode
}

// Server dispatches requests to function handlers.
type Server struct {
	// mx protects the handler table.
	mx sync.RWMutex

	// functionHandlers maps unit ID and function code to their handler.
	functionHandlers map[unitAndFunction]FunctionHandler

	// fallback is used for unit-function-combinations not in
	// functionHandlers.
	fallback FunctionHandler
}

// illegalFunction is the initial fallback handler.
func illegalFunction(context.Context, *Request) ([]byte, error) {
	return nil, modbus.ExceptionIllegalFunction
}

// NewServer returns a server which answers every request with
// modbus.ExceptionIllegalFunction until handlers are set.
func NewServer() *Server {
	return &Server{
		functionHandlers: make(map[unitAndFunction]FunctionHandler),
		fallback:         illegalFunction,
	}
}

// SetFallbackFunctionHandler sets the handler for requests without a specific
// handler. A nil handler restores the default, which answers
// modbus.ExceptionIllegalFunction.
func (s *Server) SetFallbackFunctionHandler(h FunctionHandler) {
	if h == nil {
		h = illegalFunction
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	s.fallback = h
}

// SetFunctionHandler sets h as the handler for the given unit and functions.
// A nil handler removes the handlers instead. Setting a handler where one is
// already present is an error, as is an error function code.
func (s *Server) SetFunctionHandler(
	h FunctionHandler, unit modbus.UnitID, functions ...modbus.FunctionCode,
) error {
	key := unitAndFunction{unitID: unit}
	s.mx.Lock()
	defer s.mx.Unlock()
	if h == nil {
		for _, key.functionCode = range functions {
			delete(s.functionHandlers, key)
		}
		return nil
	}
	for _, key.functionCode = range functions {
		if key.functionCode.IsError() {
			return fmt.Errorf("error function code %d not permitted",
				key.functionCode)
		}
		if s.functionHandlers[key] != nil {
			return fmt.Errorf(
				"handler for unit %d and function code %d already present",
				key.unitID, key.functionCode)
		}
	}
	for _, key.functionCode = range functions {
		s.functionHandlers[key] = h
	}
	return nil
}

// Request dispatches req to its handler and returns the response data.
func (s *Server) Request(ctx context.Context, req *Request) ([]byte, error) {
	s.mx.RLock()
	h := s.functionHandlers[unitAndFunction{req.Unit, req.Function}]
	if h == nil {
		h = s.fallback
	}
	s.mx.RUnlock()
	return h(ctx, req)
}
