package queue

// Keys holds the precomputed Redis keys for one queue name. The hashtag keeps
// every key of a queue in the same cluster slot so the Lua scripts stay legal.
type Keys struct {
	Pending string
	Active  string
	Dead    string
	prefix  string
}

// KeysFor returns the key set for queue name.
func KeysFor(name string) Keys {
	prefix := "roomote:{" + name + "}:"
	return Keys{
		Pending: prefix + "pending",
		Active:  prefix + "active",
		Dead:    prefix + "dead",
		prefix:  prefix,
	}
}

// Lock returns the key that maps a lock token to the claimed message.
func (k Keys) Lock(token string) string { return k.prefix + "lock:" + token }
