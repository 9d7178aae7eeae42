package storage

// NewJSONRepository opens the file-backed datastore used in development and
// tests and returns it as a Repository.
func NewJSONRepository(path string, opts ...Option) (Repository, error) {
	return NewStorage(path, opts...)
}
