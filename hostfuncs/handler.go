package hostfuncs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/reglet-dev/plugos/protocol"
)

// Handler implements a single syscall.
type Handler func(ctx context.Context, args []protocol.Value) (protocol.Value, error)

// TypedFunc is a syscall taking one structured argument and returning a
// structured result.
type TypedFunc[Req any, Resp any] func(context.Context, Req) (Resp, error)

// NewJSONHandler wraps a TypedFunc into a Handler. The first syscall
// argument is decoded into Req through its JSON form, and the response
// is converted back into a Value the same way. A missing argument
// leaves Req at its zero value.
//
// Usage:
//
//	readPage := hostfuncs.NewJSONHandler(func(ctx context.Context, req ReadPageRequest) (ReadPageResponse, error) {
//	    return store.Read(ctx, req.Name)
//	})
func NewJSONHandler[Req any, Resp any](fn TypedFunc[Req, Resp]) Handler {
	return func(ctx context.Context, args []protocol.Value) (protocol.Value, error) {
		var req Req
		if len(args) > 0 {
			data, err := json.Marshal(args[0])
			if err != nil {
				return protocol.Null(), NewValidationError(fmt.Sprintf("failed to encode request: %v", err))
			}
			if err := json.Unmarshal(data, &req); err != nil {
				return protocol.Null(), NewValidationError(fmt.Sprintf("failed to unmarshal request: %v", err))
			}
		}

		resp, err := fn(ctx, req)
		if err != nil {
			return protocol.Null(), err
		}

		data, err := json.Marshal(resp)
		if err != nil {
			return protocol.Null(), fmt.Errorf("failed to marshal response: %w", err)
		}
		var out protocol.Value
		if err := json.Unmarshal(data, &out); err != nil {
			return protocol.Null(), fmt.Errorf("failed to convert response: %w", err)
		}
		return out, nil
	}
}
