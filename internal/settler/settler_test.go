package settler

import (
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestRecoverable_ClassifiesTransientErrors(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("replacement transaction underpriced"), true},
		{errors.New("nonce too low"), true},
		{errors.New("already known"), true},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("execution reverted: invalid proof"), false},
		{errors.New("insufficient funds for gas"), false},
		{nil, false},
	}
	for _, c := range cases {
		require.Equal(t, c.want, recoverable(c.err), "%v", c.err)
	}
}

func TestSubmitBatchABI_PacksExpectedArguments(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(submitBatchABI))
	require.NoError(t, err)

	recipients := []common.Address{common.HexToAddress("0x1111111111111111111111111111111111111111")}
	amounts := []*big.Int{big.NewInt(42)}
	var root [32]byte
	root[0] = 0xaa

	packed, err := parsed.Pack("submitBatch", uint64(4), uint64(5), root, []byte{0x01, 0x02}, recipients, amounts)
	require.NoError(t, err)
	require.NotEmpty(t, packed)

	method, err := parsed.MethodById(packed[:4])
	require.NoError(t, err)
	require.Equal(t, "submitBatch", method.Name)

	args, err := method.Inputs.Unpack(packed[4:])
	require.NoError(t, err)
	require.Equal(t, uint64(4), args[0])
	require.Equal(t, uint64(5), args[1])
	require.Equal(t, root, args[2])
	require.Equal(t, []byte{0x01, 0x02}, args[3])
}
