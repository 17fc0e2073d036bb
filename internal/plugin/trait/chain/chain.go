// Package chain fetches character trait snapshots from the CharacterNFT
// contract through a plain JSON-RPC eth_call. Traits are immutable after
// mint, so a single read at agent creation is all that is ever needed.
package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lovediary/agent-service/internal/config"
	"github.com/lovediary/agent-service/internal/model"
	registrytrait "github.com/lovediary/agent-service/internal/registry/trait"
)

func init() {
	registrytrait.Register(registrytrait.Plugin{
		Name:   "chain",
		Loader: load,
	})
}

func load(ctx context.Context) (registrytrait.Source, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.ChainRPCURL == "" {
		return nil, fmt.Errorf("chain trait source: AGENT_SERVICE_CHAIN_RPC_URL is required")
	}
	if cfg.ChainNFTAddress == "" {
		return nil, fmt.Errorf("chain trait source: AGENT_SERVICE_CHAIN_NFT_ADDRESS is required")
	}
	return &Source{
		rpcURL:   cfg.ChainRPCURL,
		contract: model.NormalizeAddress(cfg.ChainNFTAddress),
		client:   &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Source reads getCharacter(uint256) from the CharacterNFT contract.
type Source struct {
	rpcURL   string
	contract string
	client   *http.Client
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result string `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *Source) GetCharacter(ctx context.Context, characterID int64) (*model.CharacterSheet, error) {
	callData := append(methodSelector("getCharacter(uint256)"), encodeUint256(characterID)...)
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "eth_call",
		Params: []interface{}{
			map[string]string{
				"to":   s.contract,
				"data": "0x" + hex.EncodeToString(callData),
			},
			"latest",
		},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chain rpc request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("chain rpc: read response: %w", err)
	}
	var result rpcResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("chain rpc: parse response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("chain rpc error %d: %s", result.Error.Code, result.Error.Message)
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(result.Result, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain rpc: decode result: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("chain rpc: empty result for character %d", characterID)
	}

	sheet, err := decodeCharacterTuple(raw)
	if err != nil {
		return nil, fmt.Errorf("chain rpc: decode character %d: %w", characterID, err)
	}
	log.Info("Character traits fetched from chain", "characterId", characterID, "name", sheet.Name)
	return sheet, nil
}
