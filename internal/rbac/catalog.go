package rbac

import (
	"sort"
	"strings"
)

// Role names the fixed role hierarchy stored on each user record.
type Role string

const (
	RoleSuperAdmin  Role = "SUPER_ADMIN"
	RoleAdmin       Role = "ADMIN"
	RoleSiteManager Role = "SITE_MANAGER"
)

// Permission is one entry of the static permission catalog.
type Permission struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// Catalogued permission identifiers.
const (
	PermSiteCreate = "site:create"
	PermSiteRead   = "site:read"
	PermSiteUpdate = "site:update"
	PermSiteDelete = "site:delete"
	PermSiteList   = "site:list"

	PermRoomCreate = "room:create"
	PermRoomRead   = "room:read"
	PermRoomUpdate = "room:update"
	PermRoomDelete = "room:delete"
	PermRoomList   = "room:list"

	PermAssetCreate = "asset:create"
	PermAssetRead   = "asset:read"
	PermAssetUpdate = "asset:update"
	PermAssetDelete = "asset:delete"
	PermAssetList   = "asset:list"

	PermUserCreate = "user:create"
	PermUserRead   = "user:read"
	PermUserUpdate = "user:update"
	PermUserDelete = "user:delete"
	PermUserList   = "user:list"

	PermAuditRead   = "audit:read"
	PermAuditExport = "audit:export"

	PermSecurityManage = "security:manage"
)

var catalog = buildCatalog()

// adminDenied is a deny-list: permissions added to the catalog later are
// granted to ADMIN unless listed here.
var adminDenied = map[string]struct{}{
	PermUserCreate:     {},
	PermSecurityManage: {},
}

var siteManagerAllowed = map[string]struct{}{
	PermSiteRead:    {},
	PermSiteList:    {},
	PermRoomRead:    {},
	PermRoomList:    {},
	PermAssetCreate: {},
	PermAssetRead:   {},
	PermAssetUpdate: {},
	PermAssetList:   {},
}

func buildCatalog() map[string]Permission {
	crud := []string{"create", "read", "update", "delete", "list"}
	entries := make(map[string]Permission)
	add := func(resource, action string) {
		id := PermissionID(resource, action)
		entries[id] = Permission{
			ID:       id,
			Name:     permissionName(resource, action),
			Resource: resource,
			Action:   action,
		}
	}
	for _, resource := range []string{"site", "room", "asset", "user"} {
		for _, action := range crud {
			add(resource, action)
		}
	}
	add("audit", "read")
	add("audit", "export")
	add("security", "manage")
	return entries
}

func permissionName(resource, action string) string {
	titled := strings.ToUpper(action[:1]) + action[1:]
	switch action {
	case "list":
		return "List " + resource + "s"
	case "manage":
		return "Manage " + resource
	}
	return titled + " " + resource
}

// PermissionID builds the canonical resource:action identifier.
func PermissionID(resource, action string) string {
	return strings.ToLower(strings.TrimSpace(resource)) + ":" + strings.ToLower(strings.TrimSpace(action))
}

// Catalog returns every permission ordered by id.
func Catalog() []Permission {
	perms := make([]Permission, 0, len(catalog))
	for _, p := range catalog {
		perms = append(perms, p)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].ID < perms[j].ID })
	return perms
}

// Lookup returns the catalog entry for id.
func Lookup(id string) (Permission, bool) {
	p, ok := catalog[id]
	return p, ok
}

// PermissionsForRole lists the catalogued permissions a role may hold, before
// any site scoping is applied. Unknown roles hold nothing.
func PermissionsForRole(role Role) []string {
	var ids []string
	for _, p := range Catalog() {
		if roleGrants(role, p.ID) {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

func roleGrants(role Role, permissionID string) bool {
	switch role {
	case RoleSuperAdmin:
		return true
	case RoleAdmin:
		_, denied := adminDenied[permissionID]
		return !denied
	case RoleSiteManager:
		_, ok := siteManagerAllowed[permissionID]
		return ok
	}
	return false
}
