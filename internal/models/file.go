package models

// File is a single file fetched through the contents API.
type File struct {
	Path    string
	SHA     string
	Content []byte
}

// User is the account the API token belongs to.
type User struct {
	Login string `json:"login"`
	Name  string `json:"name"`
}

// DisplayName returns the name if set, the login otherwise.
func (u User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Login
}
