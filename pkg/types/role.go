package types

// Role is the logical identity of a consumer. Roles are mapped to role groups,
// and a role group decides which instances serve the call.
type Role string

// System roles of the school back office.
const (
	RoleDirector            Role = "DIRECTIVO"
	RoleAuxiliary           Role = "AUXILIAR"
	RoleAdministrativeStaff Role = "PERSONAL_ADMINISTRATIVO"
	RoleGuardian            Role = "RESPONSABLE"
	RoleSecondaryTeacher    Role = "PROFESOR_SECUNDARIA"
	RoleTutor               Role = "TUTOR"
	RolePrimaryTeacher      Role = "PROFESOR_PRIMARIA"
)

// AllRoles lists every system role.
func AllRoles() []Role {
	return []Role{
		RoleDirector,
		RoleAuxiliary,
		RoleAdministrativeStaff,
		RoleGuardian,
		RoleSecondaryTeacher,
		RoleTutor,
		RolePrimaryTeacher,
	}
}
