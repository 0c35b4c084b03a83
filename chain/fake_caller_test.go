package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
)

type callHandler func(method string, args []interface{}) ([]interface{}, error)

// fakeCaller decodes calldata against an ABI and packs whatever the handler returns.
type fakeCaller struct {
	parsed  abi.ABI
	handler callHandler

	mu    sync.Mutex
	calls []string
}

func newFakeCaller(parsed abi.ABI, handler callHandler) *fakeCaller {
	return &fakeCaller{parsed: parsed, handler: handler}
}

func (f *fakeCaller) CallContract(ctx context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(call.Data) < 4 {
		return nil, fmt.Errorf("short calldata")
	}
	method, err := f.parsed.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, method.Name)
	f.mu.Unlock()
	out, err := f.handler(method.Name, args)
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(out...)
}

func (f *fakeCaller) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}
