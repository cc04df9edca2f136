// Package server implements the authorization engine behind the OAuth
// endpoints: dynamic client registration, authorization code issuance,
// token exchange and refresh, introspection, revocation and expiry sweeps.
//
// Every operation reloads the credential document, and every mutation runs
// as one load-mutate-save sequence inside storage.Store.WithLock. The engine
// keeps no entity state of its own between calls.
//
// Example usage:
//
//	store := jsonfile.New(path, jsonfile.Options{Logger: logger})
//	srv, err := server.New(store, &server.Config{
//		Issuer: "http://localhost:8080",
//	}, logger)
//	if err != nil {
//		return err
//	}
//
//	sweeper, err := srv.StartSweeper(ctx, 10*time.Minute)
//	if err != nil {
//		return err
//	}
//	defer sweeper.Stop()
package server
