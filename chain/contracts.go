package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

const (
	metricsUpdatedSignature      = "MetricsUpdated(uint256,uint256,uint256,uint256)"
	batchMetricsUpdatedSignature = "BatchMetricsUpdated(uint256,uint256[],uint256[],uint256[])"
)

// Topic hashes for the two oracle events the settlement feed subscribes to.
var (
	MetricsUpdatedTopic      = gethcrypto.Keccak256Hash([]byte(metricsUpdatedSignature))
	BatchMetricsUpdatedTopic = gethcrypto.Keccak256Hash([]byte(batchMetricsUpdatedSignature))
)

const performanceOracleABIJSON = `[
  {"type":"function","name":"getMetrics","stateMutability":"view",
   "inputs":[{"name":"deviceId","type":"uint256"},{"name":"timestamp","type":"uint256"}],
   "outputs":[{"name":"views","type":"uint256"},{"name":"taps","type":"uint256"}]},
  {"type":"event","name":"MetricsUpdated","anonymous":false,
   "inputs":[{"name":"deviceId","type":"uint256","indexed":true},
             {"name":"timestamp","type":"uint256","indexed":true},
             {"name":"views","type":"uint256","indexed":true},
             {"name":"taps","type":"uint256","indexed":false}]},
  {"type":"event","name":"BatchMetricsUpdated","anonymous":false,
   "inputs":[{"name":"timestamp","type":"uint256","indexed":true},
             {"name":"deviceIds","type":"uint256[]","indexed":false},
             {"name":"views","type":"uint256[]","indexed":false},
             {"name":"taps","type":"uint256[]","indexed":false}]}
]`

const boothRegistryABIJSON = `[
  {"type":"function","name":"getBoothDetails","stateMutability":"view",
   "inputs":[{"name":"deviceId","type":"uint256"}],
   "outputs":[{"name":"owner","type":"address"},{"name":"active","type":"bool"},
              {"name":"status","type":"uint8"},{"name":"location","type":"string"},
              {"name":"displaySize","type":"string"}]},
  {"type":"function","name":"getCampaignCount","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"count","type":"uint256"}]},
  {"type":"function","name":"getCampaign","stateMutability":"view",
   "inputs":[{"name":"index","type":"uint256"}],
   "outputs":[{"name":"id","type":"uint256"},{"name":"advertiser","type":"address"},
              {"name":"active","type":"bool"},{"name":"bookedLocations","type":"uint256[]"},
              {"name":"holder","type":"address"}]}
]`

// PerformanceOracleABI and BoothRegistryABI are the parsed contract interfaces.
var (
	PerformanceOracleABI = mustParseABI(performanceOracleABIJSON)
	BoothRegistryABI     = mustParseABI(boothRegistryABIJSON)
)

// DefaultCallTimeout bounds every contract read when no explicit timeout is configured.
const DefaultCallTimeout = 15 * time.Second

// ContractCaller is the subset of the Ethereum RPC used for read-only contract calls.
// *ethclient.Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("chain: parse abi: %v", err))
	}
	return parsed
}

func callContract(ctx context.Context, caller ContractCaller, to common.Address, parsed abi.ABI, timeout time.Duration, method string, args ...interface{}) ([]interface{}, error) {
	if caller == nil {
		return nil, errors.New("chain: contract caller not configured")
	}
	input, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	output, err := caller.CallContract(callCtx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := parsed.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

// toUint64 narrows an ABI uint256 value, rejecting anything that does not fit.
func toUint64(value *big.Int) (uint64, error) {
	if value == nil {
		return 0, nil
	}
	if value.Sign() < 0 {
		return 0, fmt.Errorf("negative value %s", value)
	}
	u, overflow := uint256.FromBig(value)
	if overflow || !u.IsUint64() {
		return 0, fmt.Errorf("value %s exceeds uint64", value)
	}
	return u.Uint64(), nil
}

func uintOutput(value interface{}) (uint64, error) {
	v, ok := value.(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected output type %T", value)
	}
	return toUint64(v)
}

func bigFromUint64(v uint64) *big.Int {
	return new(big.Int).SetUint64(v)
}
