package rendezvous

// Word lists for wormhole tokens. Both ends only agree on the
// num-word-word shape, never on list contents, so these can change
// without a protocol bump.

var adjectives = []string{
	"amber", "brave", "calm", "clever", "crimson", "eager", "fuzzy",
	"gentle", "golden", "happy", "icy", "jolly", "lucky", "mellow",
	"nimble", "polite", "quiet", "rapid", "silent", "silver", "swift",
	"tidy", "vivid", "warm", "wild", "witty",
}

var nouns = []string{
	"anchor", "badger", "canyon", "comet", "falcon", "forest", "garden",
	"glacier", "harbor", "island", "lantern", "meadow", "mountain",
	"otter", "panda", "pebble", "raven", "river", "saddle", "summit",
	"tiger", "trail", "tulip", "valley", "walrus", "willow",
}
