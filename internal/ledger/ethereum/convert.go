package ethereum

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/igwedaniel/ledgerwatch/internal/types"
	"github.com/sirupsen/logrus"
)

// toBlock summarises a header and its transaction hashes
func toBlock(header *gethtypes.Header, txs gethtypes.Transactions) types.Block {
	hashes := make([]common.Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash()
	}
	return types.Block{
		Number:       header.Number.Uint64(),
		Hash:         header.Hash(),
		ParentHash:   header.ParentHash,
		Timestamp:    time.Unix(int64(header.Time), 0).UTC(),
		Miner:        types.NewAddress(header.Coinbase),
		GasUsed:      header.GasUsed,
		GasLimit:     header.GasLimit,
		Transactions: hashes,
	}
}

// toRecord converts a block into a cacheable record. Transactions whose
// sender cannot be recovered are skipped.
func toRecord(network types.Network, block *gethtypes.Block, signer gethtypes.Signer, logger *logrus.Logger) *types.BlockRecord {
	header := block.Header()
	summary := toBlock(header, block.Transactions())
	record := &types.BlockRecord{
		Network:      network,
		Block:        summary,
		Transactions: make([]types.Transaction, 0, len(block.Transactions())),
	}

	for _, tx := range block.Transactions() {
		from, err := gethtypes.Sender(signer, tx)
		if err != nil {
			logger.Debugf("Skipping transaction %s in block %d: %v", tx.Hash().Hex(), summary.Number, err)
			continue
		}
		record.Transactions = append(record.Transactions, minedTransaction(tx, from, summary))
	}
	return record
}

func minedTransaction(tx *gethtypes.Transaction, from common.Address, block types.Block) types.Transaction {
	var recipient *types.Address
	if to := tx.To(); to != nil {
		addr := types.NewAddress(*to)
		recipient = &addr
	}
	blockHash := block.Hash
	ts := block.Timestamp
	return types.Transaction{
		Hash:        tx.Hash(),
		Sender:      types.NewAddress(from),
		Recipient:   recipient,
		Value:       new(big.Int).Set(tx.Value()),
		Nonce:       tx.Nonce(),
		BlockHash:   &blockHash,
		BlockHeight: block.Number,
		Timestamp:   &ts,
		State:       types.TxMined,
	}
}

// applyReceipt fills the fee and execution status from receipt
func applyReceipt(tx types.Transaction, receipt *gethtypes.Receipt, gasPrice *big.Int) types.Transaction {
	price := receipt.EffectiveGasPrice
	if price == nil {
		price = gasPrice
	}
	if price != nil {
		tx.Fee = new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), price)
	}
	if receipt.Status == gethtypes.ReceiptStatusFailed {
		tx.State = types.TxFailed
	} else {
		tx.State = types.TxMined
	}
	if receipt.BlockHash != (common.Hash{}) {
		h := receipt.BlockHash
		tx.BlockHash = &h
	}
	if receipt.BlockNumber != nil {
		tx.BlockHeight = receipt.BlockNumber.Uint64()
	}
	return tx
}

func confirmations(height, head uint64) uint64 {
	if height == 0 || height > head {
		return 0
	}
	return head - height + 1
}
