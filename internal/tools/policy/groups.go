package policy

// ListGroups returns all built-in group names.
func ListGroups() []string {
	groups := make([]string, 0, len(DefaultGroups))
	for name := range DefaultGroups {
		groups = append(groups, name)
	}
	return groups
}

// ListProfiles returns all built-in profile names.
func ListProfiles() []Profile {
	profiles := make([]Profile, 0, len(ProfileDefaults))
	for name := range ProfileDefaults {
		profiles = append(profiles, name)
	}
	return profiles
}

// IsGroup reports whether name is a registered built-in group.
func IsGroup(name string) bool {
	_, ok := DefaultGroups[name]
	return ok
}

// GetGroupTools returns a copy of a group's tool list, or nil if name isn't
// a registered group.
func GetGroupTools(name string) []string {
	tools, ok := DefaultGroups[name]
	if !ok {
		return nil
	}
	result := make([]string, len(tools))
	copy(result, tools)
	return result
}

// GetProfilePolicy returns the default policy for a built-in profile, or
// nil if profile isn't registered.
func GetProfilePolicy(profile Profile) *Policy {
	return ProfileDefaults[profile]
}
