package stream

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"dexarb/internal/protocol"
)

var (
	errUnknownTopic = errors.New("unknown event topic")
	errNoTopics     = errors.New("log has no topics")
)

// PoolTopics are the event ids a pool subscription filters on.
func PoolTopics() []common.Hash {
	return []common.Hash{
		protocol.PairABI.Events[string(EventSync)].ID,
		protocol.PairABI.Events[string(EventSwap)].ID,
		protocol.PairABI.Events[string(EventMint)].ID,
		protocol.PairABI.Events[string(EventBurn)].ID,
	}
}

// DecodeLog turns a pair log into a PoolEvent stamped with receivedAt.
func DecodeLog(log types.Log, receivedAt time.Time) (PoolEvent, error) {
	if len(log.Topics) == 0 {
		return PoolEvent{}, errNoTopics
	}
	ev, err := protocol.PairABI.EventByID(log.Topics[0])
	if err != nil {
		return PoolEvent{}, fmt.Errorf("%w: %s", errUnknownTopic, log.Topics[0].Hex())
	}

	fields := make(map[string]interface{})
	if len(log.Data) > 0 {
		if err := protocol.PairABI.UnpackIntoMap(fields, ev.Name, log.Data); err != nil {
			return PoolEvent{}, fmt.Errorf("unpack %s data: %w", ev.Name, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(fields, indexed, log.Topics[1:]); err != nil {
			return PoolEvent{}, fmt.Errorf("parse %s topics: %w", ev.Name, err)
		}
	}

	evt := PoolEvent{
		Type:        EventType(ev.Name),
		Pool:        log.Address,
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
		Timestamp:   receivedAt,
	}

	switch evt.Type {
	case EventSync:
		if evt.Reserve0, err = bigField(fields, "reserve0"); err != nil {
			return PoolEvent{}, err
		}
		if evt.Reserve1, err = bigField(fields, "reserve1"); err != nil {
			return PoolEvent{}, err
		}
	case EventSwap:
		for name, dst := range map[string]**big.Int{
			"amount0In":  &evt.Amount0In,
			"amount1In":  &evt.Amount1In,
			"amount0Out": &evt.Amount0Out,
			"amount1Out": &evt.Amount1Out,
		} {
			if *dst, err = bigField(fields, name); err != nil {
				return PoolEvent{}, err
			}
		}
		evt.Sender = addressField(fields, "sender")
		evt.Recipient = addressField(fields, "to")
	case EventMint, EventBurn:
		if evt.Amount0, err = bigField(fields, "amount0"); err != nil {
			return PoolEvent{}, err
		}
		if evt.Amount1, err = bigField(fields, "amount1"); err != nil {
			return PoolEvent{}, err
		}
		evt.Sender = addressField(fields, "sender")
		evt.Recipient = addressField(fields, "to")
	default:
		return PoolEvent{}, fmt.Errorf("%w: %s", errUnknownTopic, ev.Name)
	}
	return evt, nil
}

func bigField(fields map[string]interface{}, name string) (*big.Int, error) {
	v, ok := fields[name].(*big.Int)
	if !ok || v == nil {
		return nil, fmt.Errorf("missing %s", name)
	}
	return v, nil
}

func addressField(fields map[string]interface{}, name string) common.Address {
	addr, _ := fields[name].(common.Address)
	return addr
}
