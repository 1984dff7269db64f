package engine

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/flashbots/rollup-boost/common"
)

// classifyError maps an error of the go-ethereum rpc client onto the common error taxonomy
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var (
		rpcErr    rpc.Error
		dataErr   rpc.DataError
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	switch {
	case common.IsTimeout(err):
		return fmt.Errorf("%w: %s", common.ErrTimeout, err.Error())
	case errors.As(err, &rpcErr):
		classified := common.NewRPCError(rpcErr.ErrorCode(), rpcErr.Error())
		if errors.As(err, &dataErr) {
			classified.Data = dataErr.ErrorData()
		}
		return classified
	case errors.Is(err, rpc.ErrNoResult), errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return fmt.Errorf("%w: %s", common.ErrProtocol, err.Error())
	default:
		return fmt.Errorf("%w: %s", common.ErrTransport, err.Error())
	}
}

func decodeResult(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("%w: empty result", common.ErrProtocol)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s", common.ErrProtocol, err.Error())
	}
	return nil
}
