package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/buger/jsonparser"
	"github.com/flashbots/go-utils/cli"
	"github.com/flashbots/rollup-boost/common"
)

var maxRequestBodySize = int64(cli.GetEnvInt("API_MAX_REQUEST_BODY_BYTES", 64<<20))

func (api *Api) handleJSONRPC(w http.ResponseWriter, req *http.Request) {
	if api.opts.JWTSecret != nil {
		if err := common.VerifyJWTToken(api.opts.JWTSecret, common.BearerToken(req), time.Now()); err != nil {
			api.log.WithError(err).WithField("ip", common.GetIPXForwardedFor(req)).Warn("rejected unauthenticated request")
			api.respondJSONRPCStatus(w, http.StatusUnauthorized, errorResponse(nil, common.NewRPCError(common.CodeInvalidRequest, err.Error())))
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxRequestBodySize))
	if err != nil {
		api.respondJSONRPC(w, errorResponse(nil, common.NewRPCError(common.CodeParseError, "could not read request body")))
		return
	}

	body = bytes.TrimSpace(body)
	if !json.Valid(body) {
		api.respondJSONRPC(w, errorResponse(nil, common.NewRPCError(common.CodeParseError, "parse error")))
		return
	}

	if len(body) > 0 && body[0] == '[' {
		api.respondJSONRPC(w, api.processBatch(req.Context(), body))
		return
	}
	api.respondJSONRPC(w, api.processRequest(req.Context(), body))
}

func (api *Api) respondJSONRPC(w http.ResponseWriter, response any) {
	api.respondJSONRPCStatus(w, http.StatusOK, response)
}

func (api *Api) respondJSONRPCStatus(w http.ResponseWriter, status int, response any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		api.log.WithError(err).Error("Couldn't write JSON-RPC response")
	}
}

// processBatch runs the requests of a batch in order and returns one response each
func (api *Api) processBatch(ctx context.Context, body []byte) any {
	responses := []*common.JSONRPCResponse{}
	_, err := jsonparser.ArrayEach(body, func(value []byte, dataType jsonparser.ValueType, _ int, _ error) {
		if dataType != jsonparser.Object {
			responses = append(responses, errorResponse(nil, common.NewRPCError(common.CodeInvalidRequest, "invalid request")))
			return
		}
		responses = append(responses, api.processRequest(ctx, value))
	})
	if err != nil {
		return errorResponse(nil, common.NewRPCError(common.CodeParseError, err.Error()))
	}
	if len(responses) == 0 {
		return errorResponse(nil, errEmptyBatch)
	}
	return responses
}

func (api *Api) processRequest(ctx context.Context, body []byte) *common.JSONRPCResponse {
	id := rawField(body, "id")

	method, err := jsonparser.GetString(body, "method")
	if err != nil || method == "" {
		return errorResponse(id, common.NewRPCError(common.CodeInvalidRequest, "missing method"))
	}

	params, err := rawParams(body)
	if err != nil {
		return errorResponse(id, common.NewRPCError(common.CodeInvalidParams, err.Error()))
	}

	log := api.log.WithField("method", method)
	result, err := api.dispatch(ctx, method, params)
	if err != nil {
		rpcErr := common.RPCErrorFromErr(err)
		log.WithError(err).WithField("code", rpcErr.Code).Debug("JSON-RPC call failed")
		return errorResponse(id, rpcErr)
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return &common.JSONRPCResponse{JSONRPC: common.JSONRPCVersion, ID: id, Result: result}
}

// dispatch routes the block building methods to the dispatcher, everything else is passed through
func (api *Api) dispatch(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error) {
	base, version, ok := common.ParseEngineMethod(method)
	if !ok {
		return api.dispatcher.Forward(ctx, method, params)
	}

	switch base {
	case common.MethodForkchoiceUpdated:
		if len(params) == 0 {
			return nil, invalidParams("missing forkchoice state")
		}
		var state common.ForkchoiceState
		if err := json.Unmarshal(params[0], &state); err != nil {
			return nil, invalidParams("invalid forkchoice state: %s", err.Error())
		}
		var attrs *common.PayloadAttributes
		if len(params) > 1 && !isNull(params[1]) {
			attrs = new(common.PayloadAttributes)
			if err := json.Unmarshal(params[1], attrs); err != nil {
				return nil, invalidParams("invalid payload attributes: %s", err.Error())
			}
		}
		resp, err := api.dispatcher.ForkchoiceUpdated(ctx, version, state, attrs)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)

	case common.MethodGetPayload:
		if len(params) == 0 {
			return nil, invalidParams("missing payload id")
		}
		var payloadID common.PayloadID
		if err := json.Unmarshal(params[0], &payloadID); err != nil {
			return nil, invalidParams("invalid payload id: %s", err.Error())
		}
		env, err := api.dispatcher.GetPayload(ctx, version, payloadID)
		if err != nil {
			return nil, err
		}
		return env.Raw(), nil

	case common.MethodNewPayload:
		if len(params) == 0 {
			return nil, invalidParams("missing execution payload")
		}
		return api.dispatcher.NewPayload(ctx, version, params)
	}

	api.log.WithField("method", method).Error("unhandled engine method")
	return nil, common.NewRPCError(common.CodeMethodNotFound, "method not found")
}

func errorResponse(id json.RawMessage, rpcErr *common.RPCError) *common.JSONRPCResponse {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &common.JSONRPCResponse{JSONRPC: common.JSONRPCVersion, ID: id, Error: rpcErr}
}

func invalidParams(format string, args ...any) *common.RPCError {
	return common.NewRPCError(common.CodeInvalidParams, fmt.Sprintf(format, args...))
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// rawField returns the JSON encoding of key, jsonparser strips the quotes of strings
func rawField(body []byte, keys ...string) json.RawMessage {
	value, dataType, _, err := jsonparser.Get(body, keys...)
	if err != nil {
		return nil
	}
	return rawValue(value, dataType)
}

func rawValue(value []byte, dataType jsonparser.ValueType) json.RawMessage {
	if dataType == jsonparser.String {
		quoted := make([]byte, 0, len(value)+2)
		quoted = append(quoted, '"')
		quoted = append(quoted, value...)
		return append(quoted, '"')
	}
	return append(json.RawMessage(nil), value...)
}

func rawParams(body []byte) ([]json.RawMessage, error) {
	_, dataType, _, err := jsonparser.Get(body, "params")
	if errors.Is(err, jsonparser.KeyPathNotFoundError) || dataType == jsonparser.Null {
		return []json.RawMessage{}, nil
	} else if err != nil {
		return nil, err
	}
	if dataType != jsonparser.Array {
		return nil, errors.New("params must be an array")
	}

	params := []json.RawMessage{}
	_, err = jsonparser.ArrayEach(body, func(value []byte, dataType jsonparser.ValueType, _ int, _ error) {
		params = append(params, rawValue(value, dataType))
	}, "params")
	return params, err
}
