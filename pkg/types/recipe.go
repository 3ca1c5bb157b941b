package types

// RecipeChunk names one fixed-size (except possibly the last) slice of a
// large file by the id of the blob holding its bytes.
type RecipeChunk struct {
	Blob ObjectId `json:"blob"`
	Size int64    `json:"size"`
}

// FileRecipe is an ordered list of chunks reconstructing a large file.
// Its id addresses its own canonical bytes, the same as any other object.
type FileRecipe struct {
	Version   int           `json:"version"`
	Chunks    []RecipeChunk `json:"chunks"`
	TotalSize int64         `json:"total_size"`
}

const FileRecipeVersion = 1
