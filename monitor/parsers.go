package monitor

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/omni/vault-monitor/contract/abi"
	"github.com/omni/vault-monitor/entity"
	"github.com/omni/vault-monitor/logging"
)

const defaultTokenDecimals = 18

// amountScale is the fixed scale of the formatted amount column.
const amountScale = 18

// ParsedEvent is the typed projection of one decoded vault log.
type ParsedEvent struct {
	Operation       entity.Operation
	User            common.Address
	TokenAddress    *common.Address
	RawAmount       string
	Decimals        uint8
	Amount          string
	ContractAddress common.Address
	BlockNumber     uint
	TransactionHash common.Hash
	BlockHash       common.Hash
	LogIndex        uint
}

// ParserFunc decodes the unpacked values of one log into a ParsedEvent.
type ParserFunc func(log types.Log, values map[string]interface{}) (*ParsedEvent, error)

// ParserRegistry dispatches decoded logs to per-event parsers. New event
// kinds plug in by registration, the crawler itself never changes.
type ParserRegistry struct {
	abi     abi.ABI
	logger  logging.Logger
	parsers map[string]ParserFunc
}

func NewParserRegistry(logger logging.Logger) *ParserRegistry {
	r := &ParserRegistry{
		abi:     abi.Vault,
		logger:  logger,
		parsers: make(map[string]ParserFunc, 2),
	}
	r.Register(abi.Deposit, vaultEventParser(entity.OperationDeposit))
	r.Register(abi.Withdraw, vaultEventParser(entity.OperationWithdraw))
	return r
}

func (r *ParserRegistry) Register(event string, parser ParserFunc) {
	r.parsers[event] = parser
}

func (r *ParserRegistry) EventNames() []string {
	names := make([]string, 0, len(r.parsers))
	for name := range r.parsers {
		names = append(names, name)
	}
	return names
}

// Topics returns the topic0 filter for all registered events.
func (r *ParserRegistry) Topics() []common.Hash {
	return r.abi.EventTopics(r.EventNames()...)
}

// Parse decodes a single raw log. It returns (nil, nil) for events without
// a registered parser.
func (r *ParserRegistry) Parse(log types.Log) (*ParsedEvent, error) {
	name, values, err := r.abi.ParseLog(log)
	if err != nil {
		return nil, err
	}
	parser, ok := r.parsers[name]
	if !ok {
		r.logger.WithFields(logrus.Fields{
			"event":        name,
			"block_number": log.BlockNumber,
			"tx_hash":      log.TxHash,
			"log_index":    log.Index,
		}).Warn("received unknown event")
		return nil, nil
	}
	return parser(log, values)
}

// ParseAll decodes a batch of raw logs. Unknown events and decode failures
// are skipped, they never abort the batch.
func (r *ParserRegistry) ParseAll(logs []types.Log) []*ParsedEvent {
	events := make([]*ParsedEvent, 0, len(logs))
	for _, log := range logs {
		event, err := r.Parse(log)
		if err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"block_number": log.BlockNumber,
				"tx_hash":      log.TxHash,
				"log_index":    log.Index,
			}).Error("can't parse log, skipping")
			continue
		}
		if event != nil {
			events = append(events, event)
		}
	}
	return events
}

func vaultEventParser(operation entity.Operation) ParserFunc {
	return func(log types.Log, values map[string]interface{}) (*ParsedEvent, error) {
		user, ok := values["user"].(common.Address)
		if !ok {
			return nil, fmt.Errorf("missing user argument in %s event", operation)
		}
		amount, ok := values["amount"].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("missing amount argument in %s event", operation)
		}
		if amount.Sign() < 0 {
			return nil, fmt.Errorf("negative amount %s in %s event", amount, operation)
		}
		decimals := uint8(defaultTokenDecimals)
		if d, ok2 := values["decimals"].(uint8); ok2 {
			decimals = d
		}
		event := &ParsedEvent{
			Operation:       operation,
			User:            user,
			RawAmount:       amount.String(),
			Decimals:        decimals,
			Amount:          FormatUnits(amount, decimals),
			ContractAddress: log.Address,
			BlockNumber:     uint(log.BlockNumber),
			TransactionHash: log.TxHash,
			BlockHash:       log.BlockHash,
			LogIndex:        uint(log.Index),
		}
		if token, ok2 := values["tokenAddress"].(common.Address); ok2 {
			event.TokenAddress = &token
		}
		return event, nil
	}
}

// FormatUnits divides a raw token amount by 10^decimals and renders it at
// the fixed storage scale.
func FormatUnits(amount *big.Int, decimals uint8) string {
	return decimal.NewFromBigInt(amount, -int32(decimals)).StringFixed(amountScale)
}
