package bridge

import "github.com/GriffinCanCode/ModuleRuntime/backend/internal/protocol"

// permissions maps each operation to the capability it requires. Types
// absent from the table need none.
var permissions = map[protocol.MessageType]protocol.Permission{
	protocol.TypeAPIRequest: protocol.PermAPICall,

	protocol.TypeStorageUpload:   protocol.PermStorageWrite,
	protocol.TypeStorageDelete:   protocol.PermStorageWrite,
	protocol.TypeStorageDownload: protocol.PermStorageRead,
	protocol.TypeStorageList:     protocol.PermStorageRead,
	protocol.TypeStorageGetURL:   protocol.PermStorageRead,

	protocol.TypeDBQuery:  protocol.PermDBRead,
	protocol.TypeDBInsert: protocol.PermDBWrite,
	protocol.TypeDBUpdate: protocol.PermDBWrite,
	protocol.TypeDBDelete: protocol.PermDBWrite,
	protocol.TypeDBUpsert: protocol.PermDBWrite,

	protocol.TypeSettingsGet: protocol.PermSettingsRead,
	protocol.TypeSettingsSet: protocol.PermSettingsWrite,

	protocol.TypeSecretGet:    protocol.PermSecretsRead,
	protocol.TypeSecretSet:    protocol.PermSecretsWrite,
	protocol.TypeSecretDelete: protocol.PermSecretsWrite,

	protocol.TypeEventEmit:        protocol.PermEventsEmit,
	protocol.TypeEventSubscribe:   protocol.PermEventsSubscribe,
	protocol.TypeEventUnsubscribe: protocol.PermEventsSubscribe,

	protocol.TypeNavigate: protocol.PermNavigation,
}

// RequiredPermission returns the capability t needs, if any
func RequiredPermission(t protocol.MessageType) (protocol.Permission, bool) {
	p, ok := permissions[t]
	return p, ok
}

// siteScoped lists the groups whose data is partitioned by site
var siteScoped = map[protocol.Group]bool{
	protocol.GroupStorage: true,
	protocol.GroupDB:      true,
	protocol.GroupSecrets: true,
	protocol.GroupEvents:  true,
}

// RequiresSite reports whether t can only run with a site in context
func RequiresSite(t protocol.MessageType) bool {
	return siteScoped[t.Group()]
}
