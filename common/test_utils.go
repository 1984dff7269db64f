package common

import (
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"
)

// TestLog is used to log information in the test methods
var TestLog = logrus.WithField("testing", true)

func check(err error, args ...interface{}) {
	if err != nil {
		TestLog.Error(err, args)
		panic(err)
	}
}

// TestExecutableData returns a payload with every field required by the engine API JSON encoding set
func TestExecutableData(number uint64, parentHash, blockHash ethcommon.Hash, timestamp uint64) *ExecutableData {
	return &ExecutableData{
		ParentHash:    parentHash,
		FeeRecipient:  ethcommon.HexToAddress("0x4200000000000000000000000000000000000011"),
		StateRoot:     ethcommon.HexToHash("0x03"),
		ReceiptsRoot:  ethcommon.HexToHash("0x04"),
		LogsBloom:     make([]byte, 256),
		Random:        ethcommon.HexToHash("0x06"),
		Number:        number,
		GasLimit:      30_000_000,
		GasUsed:       21_000,
		Timestamp:     timestamp,
		ExtraData:     []byte{},
		BaseFeePerGas: big.NewInt(7),
		BlockHash:     blockHash,
		Transactions:  [][]byte{{0x02, 0x01}},
	}
}

// TestEnvelope wraps TestExecutableData in an envelope of the given version and value
func TestEnvelope(version EngineVersion, number uint64, parentHash, blockHash ethcommon.Hash, timestamp uint64, value int64) *ExecutionPayloadEnvelope {
	env, err := NewExecutionPayloadEnvelope(version, TestExecutableData(number, parentHash, blockHash, timestamp), (*hexutil.Big)(big.NewInt(value)))
	check(err, "TestEnvelope")
	return env
}
