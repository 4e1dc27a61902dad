// Package store defines the external collaborators the bridge executes
// operations against, and in-memory implementations of them.
//
// Collaborators:
//   - KeyedDataStore: per-(module, site) keyed JSON records (DB_* operations)
//   - QuotaStore: storage bucket accounting (STORAGE_UPLOAD pre-check)
//   - SecretStore: sealed secret values (SECRET_* operations)
//   - EventLog: durable event enqueue (EVENT_EMIT)
//   - SettingsStore: persisted module settings (SETTINGS_SET)
//
// The bridge assumes per-row atomicity only. Multi-row transactions are never
// required. Durable implementations live in store/sqlstore and store/blob.
package store
