package presenter

import (
	"strings"

	"github.com/omni/vault-monitor/entity"
	"github.com/omni/vault-monitor/monitor"
)

// TransactionResult renders one stored transaction with all hex values in
// canonical lower case.
type TransactionResult struct {
	TransactionHash      string  `json:"transactionHash"`
	ChainID              string  `json:"chainId"`
	Address              string  `json:"address"`
	Operation            string  `json:"operation"`
	RawAmount            string  `json:"rawAmount"`
	Amount               string  `json:"amount"`
	TokenDecimals        uint8   `json:"tokenDecimals"`
	TokenAddress         *string `json:"tokenAddress,omitempty"`
	ContractAddress      string  `json:"contractAddress"`
	BlockNumber          uint    `json:"blockNumber"`
	BlockHash            string  `json:"blockHash"`
	BlockTime            int64   `json:"blockTime"`
	Confirmations        uint    `json:"confirmations"`
	RequireConfirmations uint    `json:"requireConfirmations"`
	Status               string  `json:"status"`
}

type SearchResult struct {
	Transactions []*TransactionResult `json:"transactions"`
}

type VerifyResult struct {
	Found       bool               `json:"found"`
	Message     string             `json:"message"`
	Transaction *TransactionResult `json:"transaction,omitempty"`
}

func NewTransactionResult(tx *entity.Transaction) *TransactionResult {
	res := &TransactionResult{
		TransactionHash:      strings.ToLower(tx.TransactionHash.Hex()),
		ChainID:              tx.ChainID,
		Address:              strings.ToLower(tx.Address.Hex()),
		Operation:            string(tx.Operation),
		RawAmount:            tx.RawAmount,
		Amount:               tx.Amount,
		TokenDecimals:        tx.TokenDecimals,
		ContractAddress:      strings.ToLower(tx.ContractAddress.Hex()),
		BlockNumber:          tx.BlockNumber,
		BlockHash:            strings.ToLower(tx.BlockHash.Hex()),
		BlockTime:            tx.BlockTime,
		Confirmations:        tx.Confirmations,
		RequireConfirmations: tx.RequireConfirmations,
		Status:               string(tx.Status),
	}
	if tx.TokenAddress != nil {
		token := strings.ToLower(tx.TokenAddress.Hex())
		res.TokenAddress = &token
	}
	return res
}

func NewSearchResult(txs []*entity.Transaction) *SearchResult {
	res := &SearchResult{
		Transactions: make([]*TransactionResult, 0, len(txs)),
	}
	for _, tx := range txs {
		res.Transactions = append(res.Transactions, NewTransactionResult(tx))
	}
	return res
}

func NewVerifyResult(res *monitor.VerifyResult) *VerifyResult {
	out := &VerifyResult{
		Found:   res.Found,
		Message: res.Message,
	}
	if res.Transaction != nil {
		out.Transaction = NewTransactionResult(res.Transaction)
	}
	return out
}
