package profile

import "github.com/invopop/jsonschema"

// Schema describes the profile file format for editors and validators.
func Schema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
		ExpandedStruct:             true,
	}
	schema := reflector.Reflect(new(Profile))
	schema.Title = "Replication Profile"
	schema.Description = "Channel and property types registered by a replicanet server at startup."
	return schema
}
