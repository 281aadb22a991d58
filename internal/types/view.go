package types

import "time"

// AccountView is the wire rendering of an Account with amounts as decimal strings
type AccountView struct {
	Address       string      `json:"address"`
	Label         string      `json:"label,omitempty"`
	Type          AccountType `json:"type,omitempty"`
	Balance       string      `json:"balance,omitempty"`
	Nonce         *uint64     `json:"nonce,omitempty"`
	CodeHash      string      `json:"code_hash,omitempty"`
	TokenName     string      `json:"token_name,omitempty"`
	TokenSymbol   string      `json:"token_symbol,omitempty"`
	TokenDecimals *uint8      `json:"token_decimals,omitempty"`
	TotalSupply   string      `json:"total_supply,omitempty"`
}

// NewAccountView renders acc. The balance is in ether, the total supply in
// token units when the decimals are known.
func NewAccountView(acc Account) AccountView {
	v := AccountView{
		Address:       acc.Address.Hex(),
		Type:          acc.Type,
		Nonce:         acc.Nonce,
		TokenDecimals: acc.TokenDecimals,
	}
	if acc.Label != nil {
		v.Label = *acc.Label
	}
	if acc.Balance != nil {
		v.Balance = FormatEther(acc.Balance)
	}
	if acc.CodeHash != nil {
		v.CodeHash = acc.CodeHash.Hex()
	}
	if acc.TokenName != nil {
		v.TokenName = *acc.TokenName
	}
	if acc.TokenSymbol != nil {
		v.TokenSymbol = *acc.TokenSymbol
	}
	if acc.TotalSupply != nil {
		var decimals int32
		if acc.TokenDecimals != nil {
			decimals = int32(*acc.TokenDecimals)
		}
		v.TotalSupply = FormatUnits(acc.TotalSupply, decimals)
	}
	return v
}

// NewAccountViews renders a snapshot
func NewAccountViews(accounts []Account) []AccountView {
	out := make([]AccountView, len(accounts))
	for i, acc := range accounts {
		out[i] = NewAccountView(acc)
	}
	return out
}

// TransactionView is the wire rendering of a Transaction
type TransactionView struct {
	Hash          string           `json:"hash"`
	Sender        string           `json:"sender"`
	Recipient     string           `json:"recipient,omitempty"`
	Value         string           `json:"value"`
	Fee           string           `json:"fee,omitempty"`
	Nonce         uint64           `json:"nonce"`
	BlockHash     string           `json:"block_hash,omitempty"`
	BlockHeight   uint64           `json:"block_height,omitempty"`
	Timestamp     *time.Time       `json:"timestamp,omitempty"`
	State         TransactionState `json:"state"`
	Confirmations uint64           `json:"confirmations,omitempty"`
}

// NewTransactionView renders tx with value and fee in ether
func NewTransactionView(tx Transaction) TransactionView {
	v := TransactionView{
		Hash:          tx.Hash.Hex(),
		Sender:        tx.Sender.Hex(),
		Value:         FormatEther(tx.Value),
		Nonce:         tx.Nonce,
		BlockHeight:   tx.BlockHeight,
		Timestamp:     tx.Timestamp,
		State:         tx.State,
		Confirmations: tx.Confirmations,
	}
	if tx.Recipient != nil {
		v.Recipient = tx.Recipient.Hex()
	}
	if tx.Fee != nil {
		v.Fee = FormatEther(tx.Fee)
	}
	if tx.BlockHash != nil {
		v.BlockHash = tx.BlockHash.Hex()
	}
	return v
}

// NewTransactionViews renders a snapshot
func NewTransactionViews(txs []Transaction) []TransactionView {
	out := make([]TransactionView, len(txs))
	for i, tx := range txs {
		out[i] = NewTransactionView(tx)
	}
	return out
}
