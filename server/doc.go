// Package server implements the authorization server protocol logic.
//
// The Server validates authorization and token requests, delegates minting
// to the grant.Engine, signs access and ID tokens with the keys.Material and
// checks DPoP proofs before anything is persisted. It is transport agnostic:
// the root package adapts HTTP requests into AuthorizeRequest and
// TokenRequest values and writes the results.
//
// Every error returned by HandleAuthorizeRequest and HandleTokenRequest is a
// *ProtocolError. Internal failures are logged with full context and
// reported to clients as server_error.
//
// Example usage:
//
//	material, _ := keys.New(keys.Config{SigningKeyPEM: pem, EncryptionKey: key})
//	repos, _ := storage.NewFactory(memory.New())
//
//	srv, err := server.New(material, repos, &server.Config{
//	    Issuer: "https://auth.example",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
