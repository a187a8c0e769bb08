package model

type (
	Identity struct {
		ID          string `json:"id" bson:"_id"`
		PublicKey   []byte `json:"publicKey" bson:"public_key"`
		PushAddress string `json:"pushAddress,omitempty" bson:"push_address,omitempty"`
	}

	// Contact is what a client knows about a peer it may deliver to.
	Contact struct {
		ID        string
		PublicKey []byte
		// Phone is the out-of-band text address, empty when unknown.
		Phone string
	}
)
