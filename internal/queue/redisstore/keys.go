package redisstore

// DefaultPrefix namespaces every key the store writes
const DefaultPrefix = "jobq"

// keys builds key names under one prefix. The prefix is a Redis Cluster hash
// tag, so every key of a store maps to one slot and the scripts may derive job
// keys from ids they pop.
type keys struct {
	prefix string
}

func (k keys) tag() string { return "{" + k.prefix + "}" }

// job returns the hash holding one job: {prefix}:job:{id}
func (k keys) job(id string) string { return k.jobPrefix() + id }

// jobPrefix is the job key without the id, handed to scripts that discover ids
func (k keys) jobPrefix() string { return k.tag() + ":job:" }

// pending returns the list of pending ids: {prefix}:queue:{name}:pending
func (k keys) pending(queue string) string { return k.tag() + ":queue:" + queue + ":pending" }

// leased returns the sorted set of leased ids scored by expiry ms
func (k keys) leased(queue string) string { return k.tag() + ":queue:" + queue + ":leased" }

// finished returns the hash of terminal counts per status
func (k keys) finished(queue string) string { return k.tag() + ":queue:" + queue + ":finished" }

// queues returns the set of known queue names
func (k keys) queues() string { return k.tag() + ":queues" }
