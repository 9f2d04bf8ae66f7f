package commands

import (
	"fmt"

	"parley/internal/push"
)

// GenVAPID prints a key pair ready to paste into .env.
func GenVAPID() error {
	publicKey, privateKey, err := push.GenerateVAPIDKeys()
	if err != nil {
		return fmt.Errorf("failed to generate VAPID keys: %w", err)
	}
	fmt.Printf("VAPID_PUBLIC_KEY=%s\n", publicKey)
	fmt.Printf("VAPID_PRIVATE_KEY=%s\n", privateKey)
	return nil
}
