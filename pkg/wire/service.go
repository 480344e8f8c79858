package wire

import (
	"context"
	"errors"
	"fmt"

	"github.com/adammck/testrig/pkg/api"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName = "testrig.Command"
	runMethod   = "/testrig.Command/Run"
)

// Handler executes one command. Returning a *api.CommandError produces an
// in-band {ok: false} reply; any other error becomes InternalError. The reply
// doc doesn't need to set ok, it's added.
type Handler interface {
	RunCommand(ctx context.Context, name string, args Doc) (Doc, error)
}

// HandlerFunc adapts a func to a Handler.
type HandlerFunc func(ctx context.Context, name string, args Doc) (Doc, error)

func (f HandlerFunc) RunCommand(ctx context.Context, name string, args Doc) (Doc, error) {
	return f(ctx, name, args)
}

// commandServer is the interface which the service desc dispatches to. There's
// no generated code for this service: every message is a structpb.Struct, which
// already has a registered proto codec.
type commandServer interface {
	Run(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*commandServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Run",
			Handler:    runHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "testrig/command.proto",
}

func runHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(commandServer).Run(ctx, in)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: runMethod,
	}

	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(commandServer).Run(ctx, req.(*structpb.Struct))
	}

	return interceptor(ctx, in, info, handler)
}

type server struct {
	h Handler
}

// Register attaches the command service backed by h to the given registrar.
func Register(sr grpc.ServiceRegistrar, h Handler) {
	sr.RegisterService(&serviceDesc, &server{h: h})
}

func (s *server) Run(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	env := FromStruct(req)
	name := env.String("name")
	if name == "" {
		return ToStruct(ErrorReply(&api.CommandError{
			Code:     api.CodeBadValue,
			CodeName: api.CodeName(api.CodeBadValue),
			Message:  "missing command name",
		}))
	}

	args := env.Doc("args")
	if args == nil {
		args = Doc{}
	}

	res, err := s.h.RunCommand(ctx, name, args)
	if err != nil {
		return ToStruct(ErrorReply(err))
	}

	if res == nil {
		res = Doc{}
	}

	res["ok"] = true
	out, err := ToStruct(res)
	if err != nil {
		return ToStruct(ErrorReply(fmt.Errorf("can't encode reply to %s: %w", name, err)))
	}

	return out, nil
}

// ErrorReply renders an error as an {ok: false} reply.
func ErrorReply(err error) Doc {
	var ce *api.CommandError
	if !errors.As(err, &ce) {
		ce = &api.CommandError{
			Code:     api.CodeInternalError,
			CodeName: api.CodeName(api.CodeInternalError),
			Message:  err.Error(),
		}
	}

	name := ce.CodeName
	if name == "" {
		name = api.CodeName(ce.Code)
	}

	return Doc{
		"ok":       false,
		"code":     ce.Code,
		"codeName": name,
		"errmsg":   ce.Message,
	}
}

// Errorf builds a CommandError with the given code. Handlers return these.
func Errorf(code int, format string, args ...interface{}) error {
	return &api.CommandError{
		Code:     code,
		CodeName: api.CodeName(code),
		Message:  fmt.Sprintf(format, args...),
	}
}
