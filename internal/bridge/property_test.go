package bridge

import (
	"context"
	"path"
	"reflect"
	"sort"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/protocol"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store"
)

var reflectString = reflect.TypeOf("")

func sortedOperations() []protocol.MessageType {
	ops := protocol.BridgeOperations()
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}

func permissionsFromMask(mask uint16) []protocol.Permission {
	var out []protocol.Permission
	for i, p := range protocol.AllPermissions() {
		if mask&(1<<i) != 0 {
			out = append(out, p)
		}
	}
	return out
}

// TestPermissionGateProperty: a request is denied for a missing permission
// exactly when its type requires one, and every reply echoes the request.
func TestPermissionGateProperty(t *testing.T) {
	f := newFixture(t)
	ops := sortedOperations()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("permission gate matches the capability table", prop.ForAll(
		func(mask uint16, opIndex int) bool {
			typ := ops[opIndex]
			mc := moduleContext(permissionsFromMask(mask)...)
			msg := protocol.MustMessage(typ, "m1", "req_prop", nil)

			reply := f.bridge.Handle(context.Background(), mc, msg)
			if reply.RequestID != "req_prop" || reply.Type != typ.ResponseType() {
				return false
			}
			resp, err := reply.Response()
			if err != nil {
				return false
			}
			perm, needs := RequiredPermission(typ)
			denied := resp.ErrorCode == protocol.CodePermissionDenied
			return denied == (needs && !mc.Permissions.Has(perm))
		},
		gen.UInt16(),
		gen.IntRange(0, len(ops)-1),
	))

	properties.TestingRun(t)
}

// TestModuleMismatchProperty: a message naming any other module never
// reaches a handler.
func TestModuleMismatchProperty(t *testing.T) {
	f := newFixture(t)
	mc := moduleContext(protocol.AllPermissions()...)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("foreign module ids are rejected", prop.ForAll(
		func(moduleID, dataKey string) bool {
			msg := protocol.MustMessage(protocol.TypeDBUpsert, moduleID, "req_prop", map[string]any{"dataKey": "k" + dataKey, "value": 1})
			resp, err := f.bridge.Handle(context.Background(), mc, msg).Response()
			return err == nil && resp.ErrorCode == protocol.CodeModuleMismatch && f.data.Len() == 0
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestObjectPathsStayInScope: an accepted path never escapes the scope prefix.
func TestObjectPathsStayInScope(t *testing.T) {
	prefix := StoragePrefix(store.Scope{ModuleID: "m1", SiteID: "s1"})

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	segment := gen.OneConstOf("a", "b.txt", "..", ".", "", "dir", "x..y")
	properties.Property("cleaned paths stay under the prefix", prop.ForAll(
		func(segments []string) bool {
			rel, ok := cleanObjectPath(strings.Join(segments, "/"))
			if !ok {
				return true
			}
			key := path.Clean(prefix + rel)
			return strings.HasPrefix(key, strings.TrimSuffix(prefix, "/")+"/") && !strings.Contains("/"+rel+"/", "/../")
		},
		gen.SliceOf(segment, reflectString),
	))

	properties.TestingRun(t)
}
