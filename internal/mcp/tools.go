package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forest6511/keyrecover/pkg/corpus"
)

// RecoveryStatusInput represents input for recovery_status tool.
type RecoveryStatusInput struct{}

// RecoveryStatusOutput represents output for recovery_status tool.
type RecoveryStatusOutput struct {
	PasscodeSetUp  bool `json:"passcode_set_up"`
	OfflineKeys    bool `json:"offline_keys"`
	Items          int  `json:"items"`
	Failing        int  `json:"failing"`
	RecoveryNeeded bool `json:"recovery_needed"`
}

// ItemListInput represents input for item_list tool.
type ItemListInput struct {
	FailingOnly bool `json:"failing_only,omitempty"`
}

// ItemListOutput represents output for item_list tool.
type ItemListOutput struct {
	Items []ItemInfo `json:"items"`
}

// ItemInfo describes an item without its content.
type ItemInfo struct {
	ID          string `json:"id"`
	ContentType string `json:"content_type"`
	Decryptable bool   `json:"decryptable"`
	Source      string `json:"source"`
	UpdatedAt   string `json:"updated_at"`
}

// ItemExistsInput represents input for item_exists tool.
type ItemExistsInput struct {
	ID string `json:"id"`
}

// ItemExistsOutput represents output for item_exists tool.
type ItemExistsOutput struct {
	Exists bool      `json:"exists"`
	Item   *ItemInfo `json:"item,omitempty"`
}

// acquire limits concurrent decrypting calls.
func (s *Server) acquire() (release func(), err error) {
	select {
	case s.callSem <- struct{}{}:
		return func() { <-s.callSem }, nil
	default:
		return nil, fmt.Errorf("too many concurrent calls (max %d)", maxConcurrentCalls)
	}
}

// items loads every item and checks it against the current offline keys.
// Plaintext is dropped before returning.
func (s *Server) items(ctx context.Context) ([]*corpus.Item, bool, error) {
	items, err := s.store.LoadItems(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load items: %w", err)
	}
	ks, err := s.store.OfflineKeys(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read offline keys: %w", err)
	}
	defer ks.Wipe()

	s.cipher.DecryptAll(items, ks)
	for _, it := range items {
		it.Plaintext = nil
	}
	return items, ks != nil, nil
}

func itemInfo(it *corpus.Item) ItemInfo {
	return ItemInfo{
		ID:          it.ID,
		ContentType: it.ContentType,
		Decryptable: !it.DecryptionFailed,
		Source:      string(it.Source),
		UpdatedAt:   it.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// handleRecoveryStatus handles the recovery_status tool call.
func (s *Server) handleRecoveryStatus(ctx context.Context, _ *mcp.CallToolRequest, _ RecoveryStatusInput) (*mcp.CallToolResult, RecoveryStatusOutput, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, RecoveryStatusOutput{}, err
	}
	defer release()

	params, err := s.store.OfflineAuthParams(ctx)
	if err != nil {
		return nil, RecoveryStatusOutput{}, fmt.Errorf("failed to read auth params: %w", err)
	}
	items, hasKeys, err := s.items(ctx)
	if err != nil {
		return nil, RecoveryStatusOutput{}, err
	}

	out := RecoveryStatusOutput{
		PasscodeSetUp: params != nil,
		OfflineKeys:   hasKeys,
		Items:         len(items),
	}
	for _, it := range items {
		if it.DecryptionFailed {
			out.Failing++
		}
	}
	out.RecoveryNeeded = out.PasscodeSetUp && out.Failing > 0
	s.logger.Debug("mcp status served", "items", out.Items, "failing", out.Failing)
	return nil, out, nil
}

// handleItemList handles the item_list tool call.
func (s *Server) handleItemList(ctx context.Context, _ *mcp.CallToolRequest, input ItemListInput) (*mcp.CallToolResult, ItemListOutput, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, ItemListOutput{}, err
	}
	defer release()

	items, _, err := s.items(ctx)
	if err != nil {
		return nil, ItemListOutput{}, err
	}

	output := ItemListOutput{Items: make([]ItemInfo, 0, len(items))}
	for _, it := range items {
		if input.FailingOnly && !it.DecryptionFailed {
			continue
		}
		output.Items = append(output.Items, itemInfo(it))
	}
	return nil, output, nil
}

// handleItemExists handles the item_exists tool call.
func (s *Server) handleItemExists(ctx context.Context, _ *mcp.CallToolRequest, input ItemExistsInput) (*mcp.CallToolResult, ItemExistsOutput, error) {
	if input.ID == "" {
		return nil, ItemExistsOutput{}, errors.New("id is required")
	}
	release, err := s.acquire()
	if err != nil {
		return nil, ItemExistsOutput{}, err
	}
	defer release()

	items, _, err := s.items(ctx)
	if err != nil {
		return nil, ItemExistsOutput{}, err
	}
	for _, it := range items {
		if it.ID == input.ID {
			info := itemInfo(it)
			return nil, ItemExistsOutput{Exists: true, Item: &info}, nil
		}
	}
	return nil, ItemExistsOutput{}, nil
}
