// Package bundle manages the lifecycle of over-the-air application bundles.
//
// A Repository stores bundle archives under a private storage root, each
// named by the content hash of its bytes, next to one fixed-path extracted
// entry file. A Manager decides at startup whether to run a cached bundle,
// install the bundle shipped with the application, or fall back to the
// application's embedded code, and persists that decision in a settings
// store so it survives restarts and is invalidated by application upgrades.
//
// Fetchers (S3, HTTP bundle server) and the Watcher feed newer archives into
// Manager.Install.
package bundle
