package flagsync

import "github.com/OrlandoBitencourt/flagsync/internal/server"

// WebhookSignatureHeader carries the HMAC of a webhook body.
const WebhookSignatureHeader = server.HeaderSignature

// SignWebhook returns the signature a sender puts in WebhookSignatureHeader
// for body when the admin server was configured with secret.
//
// The webhook answers POST /webhook with a payload such as:
//
//	{
//	  "event": "flag.updated",
//	  "flag_keys": ["flag1", "flag2"],
//	  "timestamp": "2025-01-15T10:30:00Z"
//	}
//
// and refreshes the snapshot immediately instead of waiting for the next poll.
func SignWebhook(secret string, body []byte) string {
	return server.Sign(secret, body)
}
