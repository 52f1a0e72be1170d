// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"github.com/djherbis/buffer"
)

// bufferPool backs the scratch buffers Client.protect uses to bind an
// identity token's plaintext to the channel's current remote nonce
// before encryption.
var bufferPool = buffer.NewMemPoolAt(int64(defaultBufferSize))
