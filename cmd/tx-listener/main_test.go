package main

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/igwedaniel/ledgerwatch/internal/messaging"
	"github.com/igwedaniel/ledgerwatch/internal/types"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func delivery(t *testing.T, event *types.Event) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(event)
	require.NoError(t, err)
	return amqp.Delivery{Body: body, RoutingKey: messaging.RoutingKey(event), MessageId: "m-1"}
}

func TestHandleTransaction(t *testing.T) {
	logger, hook := test.NewNullLogger()
	l := &Listener{logger: logger}

	sender := types.MustParseAddress("0x00000000000000000000000000000000000000aa")
	l.handle(delivery(t, messaging.NewTransactionEvent(types.MainNet, types.Transaction{
		Hash:   common.HexToHash("0x01"),
		Sender: sender,
		Value:  big.NewInt(1_000_000_000_000_000_000),
		State:  types.TxPending,
	})))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "Transaction observed", entry.Message)
	assert.Equal(t, "1", entry.Data["value"])
	assert.Equal(t, "transaction.observed.main", entry.Data["routing_key"])
}

func TestHandleAccounts(t *testing.T) {
	logger, hook := test.NewNullLogger()
	l := &Listener{logger: logger}

	addr := types.MustParseAddress("0x00000000000000000000000000000000000000aa")
	l.handle(delivery(t, messaging.NewAccountsEvent(types.TestNet, []types.Account{
		{Address: addr, Balance: big.NewInt(0)},
		{Address: types.MustParseAddress("0x00000000000000000000000000000000000000bb")},
	})))

	require.Len(t, hook.AllEntries(), 2)
	assert.Equal(t, addr.Hex(), hook.AllEntries()[0].Data["address"])
}

func TestHandleMalformed(t *testing.T) {
	logger, hook := test.NewNullLogger()
	l := &Listener{logger: logger}

	l.handle(amqp.Delivery{Body: []byte("{")})
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}
