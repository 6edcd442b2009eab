package crypto

import (
	"encoding/pem"
	"fmt"
	"os"
)

const (
	identityPrivateBlock = "ED25519 PRIVATE KEY"
	identityPublicBlock  = "ED25519 PUBLIC KEY"
	x25519PrivateBlock   = "X25519 PRIVATE KEY"
)

// readKeyFile returns the body of the single PEM block in path.
// Missing files surface as fs.ErrNotExist.
func readKeyFile(path, blockType string, size int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	switch {
	case block == nil:
		return nil, fmt.Errorf("%s: no PEM block", path)
	case block.Type != blockType:
		return nil, fmt.Errorf("%s: got %q block, want %q", path, block.Type, blockType)
	case len(block.Bytes) != size:
		return nil, fmt.Errorf("%s: %s is %d bytes, want %d", path, blockType, len(block.Bytes), size)
	}
	return block.Bytes, nil
}

func writeKeyFile(path, blockType string, body []byte, secret bool) error {
	perm := os.FileMode(0o644)
	if secret {
		perm = 0o600
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: body}), perm); err != nil {
		return fmt.Errorf("write %s: %w", blockType, err)
	}
	return nil
}
