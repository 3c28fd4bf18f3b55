package abi

//nolint:golint
import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

//go:embed vault.json
var vaultJSONABI string

const (
	Deposit  = "Deposit"
	Withdraw = "Withdraw"
)

type ABI struct {
	abi.ABI
}

func MustReadABI(rawJSON string) ABI {
	parsed, err := abi.JSON(strings.NewReader(rawJSON))
	if err != nil {
		panic(err)
	}
	return ABI{parsed}
}

var Vault = MustReadABI(vaultJSONABI)

func (a ABI) AllEvents() map[string]bool {
	events := make(map[string]bool, len(a.Events))
	for _, event := range a.Events {
		events[event.Name] = true
	}
	return events
}

// EventTopics returns the topic0 hashes for the named events, for use in a
// logs filter query.
func (a ABI) EventTopics(names ...string) []common.Hash {
	topics := make([]common.Hash, 0, len(names))
	for _, name := range names {
		if event, ok := a.Events[name]; ok {
			topics = append(topics, event.ID)
		}
	}
	return topics
}

func (a ABI) FindMatchingEventABI(topics []common.Hash) *abi.Event {
	for _, event := range a.Events {
		if event.ID == topics[0] {
			indexed := Indexed(event.Inputs)
			if len(indexed) == len(topics)-1 {
				return &event
			}
		}
	}
	return nil
}

// ParseLog decodes a raw log against the ABI. It returns an empty event
// name when no event matches the log topics.
func (a ABI) ParseLog(log types.Log) (string, map[string]interface{}, error) {
	if len(log.Topics) == 0 {
		return "", nil, fmt.Errorf("cannot process event without topics")
	}
	event := a.FindMatchingEventABI(log.Topics)
	if event == nil {
		return "", nil, nil
	}

	res, err := DecodeEventLog(event, log.Topics, log.Data)
	if err != nil {
		return "", nil, fmt.Errorf("can't decode event log: %w", err)
	}
	return event.Name, res, nil
}

func Indexed(args abi.Arguments) abi.Arguments {
	var indexed abi.Arguments
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}

func DecodeEventLog(event *abi.Event, topics []common.Hash, data []byte) (map[string]interface{}, error) {
	indexed := Indexed(event.Inputs)
	values := make(map[string]interface{})
	if len(indexed) < len(event.Inputs) {
		if err := event.Inputs.UnpackIntoMap(values, data); err != nil {
			return nil, fmt.Errorf("can't unpack data: %w", err)
		}
	}
	if err := abi.ParseTopicsIntoMap(values, indexed, topics[1:]); err != nil {
		return nil, fmt.Errorf("can't unpack topics: %w", err)
	}
	return values, nil
}
